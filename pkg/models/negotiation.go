package models

import (
	"encoding/json"
	"strings"
)

// Confidence is the agent's self-reported certainty in a generated query.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// NormalizeConfidence maps free-form values onto the three levels, defaulting
// to medium.
func NormalizeConfidence(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceLow:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// MetadataParams narrows a metadata request. Only schema requests use Tables.
type MetadataParams struct {
	Tables []string `json:"tables,omitempty"`
}

// MetadataRequest asks the client for one fragment of schema knowledge.
type MetadataRequest struct {
	MetadataType MetadataType   `json:"metadata_type"`
	Params       MetadataParams `json:"params"`
	Reason       string         `json:"reason"`
}

// SQLResponse is the agent's final answer for a turn.
type SQLResponse struct {
	SQL         string     `json:"sql"`
	Explanation string     `json:"explanation"`
	Confidence  Confidence `json:"confidence"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// MetadataSubmission is metadata supplied by the client in answer to a request.
type MetadataSubmission struct {
	MetadataType MetadataType    `json:"metadata_type"`
	Data         json.RawMessage `json:"data"`
}

// ErrorFeedback reports that previously generated SQL failed on the client.
type ErrorFeedback struct {
	OriginalQuery string `json:"original_query"`
	FailedSQL     string `json:"failed_sql"`
	ErrorMessage  string `json:"error_message"`
}

// ============================================================================
// Turn outcomes
// ============================================================================

// OutcomeStatus is the terminal state of one agent turn.
type OutcomeStatus string

const (
	OutcomeNeedsMetadata OutcomeStatus = "needs_metadata"
	OutcomeReady         OutcomeStatus = "ready"
	OutcomeError         OutcomeStatus = "error"
)

// TokenUsage counts tokens spent by one reasoning call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Outcome is what a turn produced. Exactly one of MetadataRequest,
// SQLResponse or Error is meaningful, selected by Status.
type Outcome struct {
	Status          OutcomeStatus    `json:"status"`
	MetadataRequest *MetadataRequest `json:"metadata_request,omitempty"`
	SQLResponse     *SQLResponse     `json:"sql_response,omitempty"`
	Error           string           `json:"error,omitempty"`
	FailedSQL       string           `json:"failed_sql,omitempty"`
	Usage           TokenUsage       `json:"usage"`
}

func NeedsMetadata(req *MetadataRequest) *Outcome {
	return &Outcome{Status: OutcomeNeedsMetadata, MetadataRequest: req}
}

func Ready(resp *SQLResponse) *Outcome {
	return &Outcome{Status: OutcomeReady, SQLResponse: resp}
}

func Failed(msg, failedSQL string) *Outcome {
	return &Outcome{Status: OutcomeError, Error: msg, FailedSQL: failedSQL}
}

// SideMetadata converts the outcome into the message annotation persisted
// alongside the assistant turn.
func (o *Outcome) SideMetadata() *SideMetadata {
	switch o.Status {
	case OutcomeNeedsMetadata:
		return NewMetadataRequestSide(o.MetadataRequest)
	case OutcomeReady:
		return NewSQLResponseSide(o.SQLResponse)
	default:
		return NewAgentErrorSide(o.Error, o.FailedSQL)
	}
}

// AssistantContent renders the human-readable assistant message for the turn.
func (o *Outcome) AssistantContent() string {
	switch o.Status {
	case OutcomeNeedsMetadata:
		if o.MetadataRequest.Reason != "" {
			return o.MetadataRequest.Reason
		}
		return "Requesting " + string(o.MetadataRequest.MetadataType) + " metadata"
	case OutcomeReady:
		if o.SQLResponse.Explanation != "" {
			return o.SQLResponse.Explanation
		}
		return "Generated SQL query"
	default:
		return o.Error
	}
}
