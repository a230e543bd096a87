package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Roles
// ============================================================================

// MessageRole represents the author of a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// IsValidMessageRole checks if the given role is valid.
func IsValidMessageRole(r MessageRole) bool {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem:
		return true
	}
	return false
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is an ordered exchange between one owner and the agent about
// one client database.
type Conversation struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     string     `json:"owner_id"`
	WorkspaceID *uuid.UUID `json:"workspace_id,omitempty"`
	DatabaseID  string     `json:"database_id"`
	Title       *string    `json:"title,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Message is one immutable entry in a conversation.
type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	Role           MessageRole   `json:"role"`
	Content        string        `json:"content"`
	Side           *SideMetadata `json:"side_metadata,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ============================================================================
// Side-channel metadata
// ============================================================================

// SideKind tags the structured payload attached to a message.
type SideKind string

const (
	SideKindMetadataRequest    SideKind = "metadata_request"
	SideKindSQLResponse        SideKind = "sql_response"
	SideKindMetadataSubmission SideKind = "metadata_submission"
	SideKindSQLFailure         SideKind = "sql_failure"
	SideKindAgentError         SideKind = "agent_error"
)

// SQLFailure records a client-side execution failure.
type SQLFailure struct {
	FailedSQL    string `json:"failed_sql"`
	ErrorMessage string `json:"error_message"`
}

// SideMetadata is a tagged union; exactly the field matching Kind is set.
type SideMetadata struct {
	Kind               SideKind            `json:"kind"`
	MetadataRequest    *MetadataRequest    `json:"metadata_request,omitempty"`
	SQLResponse        *SQLResponse        `json:"sql_response,omitempty"`
	MetadataSubmission *MetadataSubmission `json:"metadata_submission,omitempty"`
	SQLFailure         *SQLFailure         `json:"sql_failure,omitempty"`
	Error              string              `json:"error,omitempty"`
	FailedSQL          string              `json:"failed_sql,omitempty"`
}

func NewMetadataRequestSide(req *MetadataRequest) *SideMetadata {
	return &SideMetadata{Kind: SideKindMetadataRequest, MetadataRequest: req}
}

func NewSQLResponseSide(resp *SQLResponse) *SideMetadata {
	return &SideMetadata{Kind: SideKindSQLResponse, SQLResponse: resp}
}

func NewMetadataSubmissionSide(sub *MetadataSubmission) *SideMetadata {
	return &SideMetadata{Kind: SideKindMetadataSubmission, MetadataSubmission: sub}
}

func NewSQLFailureSide(failedSQL, errorMessage string) *SideMetadata {
	return &SideMetadata{
		Kind:       SideKindSQLFailure,
		SQLFailure: &SQLFailure{FailedSQL: failedSQL, ErrorMessage: errorMessage},
	}
}

func NewAgentErrorSide(errMsg, failedSQL string) *SideMetadata {
	return &SideMetadata{Kind: SideKindAgentError, Error: errMsg, FailedSQL: failedSQL}
}

// HistoryEntry is one role/content pair in the agent-facing history.
type HistoryEntry struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	// Kind is carried so callers can count metadata requests without
	// re-parsing rendered content.
	Kind SideKind `json:"-"`
}
