package prompts

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
)

// Tool names offered to the negotiation agent.
const (
	ToolGetTableNames    = "get_table_names"
	ToolGetTableSchema   = "get_table_schema"
	ToolGetRelationships = "get_relationships"
	ToolGenerateSQL      = "generate_sql"
)

// Markers rendered for missing metadata. Each names the tool that would
// supply the missing piece.
const (
	MissingTablesMarker        = "No table list available"
	MissingSchemaMarker        = "No table schemas available"
	MissingRelationshipsMarker = "No relationships available"
)

// ContinuationMessage opens every continuation prompt.
const ContinuationMessage = "Please continue processing the previous query with the updated metadata."

// AntiLoopInstruction is appended to continuation prompts once the agent has
// asked for metadata enough times in one conversation.
const AntiLoopInstruction = "IMPORTANT: You have already made several metadata requests in this conversation. " +
	"Strongly prefer calling generate_sql now using the metadata you already have. " +
	"Only request more metadata if the query is impossible to write without it."

// NegotiationSystemPrompt is the fixed instruction for the negotiation agent.
const NegotiationSystemPrompt = `You are an expert SQL query generator. Your job is to convert natural language questions into accurate, safe SQL queries.

CRITICAL RULE: You MUST ALWAYS use the provided tools. NEVER respond with plain text. ALWAYS call a function.

WORKFLOW:
1. Analyze the user's question to understand what data they need
2. Use tools to gather necessary metadata about the database:
   - get_table_names: Get list of available tables
   - get_table_schema: Get column details for specific tables
   - get_relationships: Get foreign key relationships for JOINs
3. Once you have sufficient metadata, use generate_sql to create the final query

TOOL USAGE - MANDATORY:
- If you need metadata: Call get_table_names, get_table_schema or get_relationships
- If you can generate SQL: Call generate_sql with the query
- NEVER ask clarifying questions - make reasonable assumptions and use generate_sql
- NEVER respond with conversational text - ONLY use tools

RULES FOR SQL GENERATION:
- Use standard SQL syntax compatible with PostgreSQL, MySQL, and SQLite unless a database type is given
- Prefer explicit JOINs over implicit ones
- Always use table aliases for clarity
- Use LIMIT to avoid overwhelming results (default 100 unless the user specifies a count)
- Never generate destructive queries (INSERT, UPDATE, DELETE, DROP, ALTER, CREATE)
- Only generate SELECT queries
- Be conservative - if you have no schema information, request metadata instead of guessing table or column names
- When dealing with timestamp/datetime issues, cast to text (::text) if needed

METADATA GATHERING STRATEGY:
- Before requesting metadata, check the conversation history and the available metadata to see if you already have it
- "Metadata received" messages in the conversation show what you have already been given
- DO NOT re-request metadata you have already received in this conversation
- Start with get_table_names ONLY if no table list is available
- Request schemas ONLY for tables you have not seen schemas for yet
- Request relationships only when you need JOINs and do not have that information

CONFIDENCE LEVELS:
- high: You have all necessary metadata and the query is straightforward
- medium: You have metadata but the query is complex or ambiguous
- low: You are missing some metadata but generating a best-effort query

Remember: the user must approve each metadata request, so minimize unnecessary requests while ensuring accuracy.

IMPORTANT: ALWAYS call a tool. NEVER respond with text alone.`

// BuildQueryPrompt renders the user turn for a new question.
func BuildQueryPrompt(query string, metadata *models.MetadataSet, wc *models.ContextFragment) string {
	var sb strings.Builder
	sb.WriteString("User query: ")
	sb.WriteString(strings.TrimSpace(query))
	writeStateSections(&sb, metadata, wc)
	return sb.String()
}

// ContinuationInput describes a resumed turn after metadata was supplied.
type ContinuationInput struct {
	OriginalQuery     string
	Metadata          *models.MetadataSet
	WorkspaceContext  *models.ContextFragment
	PriorRequests     int
	AntiLoopThreshold int
}

// BuildContinuationPrompt renders the user turn for an empty query.
func BuildContinuationPrompt(in ContinuationInput) string {
	var sb strings.Builder
	sb.WriteString(ContinuationMessage)

	if q := strings.TrimSpace(in.OriginalQuery); q != "" {
		sb.WriteString("\n\nOriginal question: ")
		sb.WriteString(q)
	}
	sb.WriteString("\n\nMetadata now available: ")
	sb.WriteString(SummarizeMetadata(in.Metadata))
	sb.WriteString(fmt.Sprintf("\nMetadata requests already made in this conversation: %d", in.PriorRequests))

	if in.AntiLoopThreshold > 0 && in.PriorRequests >= in.AntiLoopThreshold {
		sb.WriteString("\n\n")
		sb.WriteString(AntiLoopInstruction)
	}

	writeStateSections(&sb, in.Metadata, in.WorkspaceContext)
	return sb.String()
}

// BuildErrorCorrectionPrompt renders the user turn for a failed query. The
// failed SQL and the database error are embedded verbatim.
func BuildErrorCorrectionPrompt(feedback models.ErrorFeedback, metadata *models.MetadataSet, wc *models.ContextFragment) string {
	var sb strings.Builder
	sb.WriteString("The following SQL query failed when executed:\n\n")
	sb.WriteString("Original user question: ")
	sb.WriteString(feedback.OriginalQuery)
	sb.WriteString("\n\nFailed SQL:\n```sql\n")
	sb.WriteString(feedback.FailedSQL)
	sb.WriteString("\n```\n\nDatabase error:\n")
	sb.WriteString(feedback.ErrorMessage)

	writeStateSections(&sb, metadata, wc)

	sb.WriteString("\n\n")
	if IsMissingObjectError(feedback.ErrorMessage) {
		sb.WriteString("The error says a table or column does not exist. Do NOT guess a fix. " +
			"Request fresh metadata first: call get_table_names if the table name may be wrong, " +
			"or get_table_schema for the tables involved if a column name may be wrong.")
	} else {
		sb.WriteString("You MUST call the generate_sql tool with the corrected query. " +
			"Do not respond with text - only use the generate_sql tool to provide the fixed SQL.")
	}
	return sb.String()
}

var missingObjectPatterns = []string{
	"does not exist",
	"doesn't exist",
	"no such table",
	"no such column",
	"unknown column",
	"unknown table",
	"undefined table",
	"undefined column",
	"undefined_table",
	"undefined_column",
	"invalid object name",
	"invalid column name",
}

// IsMissingObjectError reports whether a database error names a table or
// column that does not exist.
func IsMissingObjectError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range missingObjectPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func writeStateSections(sb *strings.Builder, metadata *models.MetadataSet, wc *models.ContextFragment) {
	sb.WriteString("\n\nAvailable metadata:\n")
	sb.WriteString(RenderMetadata(metadata))

	if wc != nil && !wc.IsEmpty() {
		sb.WriteString("\n\nLearned context from previous queries:\n")
		sb.WriteString(RenderWorkspaceContext(wc))
	}
}

// RenderMetadata renders cached metadata for the prompt. Every missing
// fragment type gets an explicit marker so the model knows to ask for it.
func RenderMetadata(set *models.MetadataSet) string {
	var parts []string

	if set.Has(models.MetadataTypeTables) {
		parts = append(parts, "Tables: "+strings.Join(set.Tables, ", "))
	} else {
		parts = append(parts, MissingTablesMarker+" - consider requesting it with get_table_names.")
	}

	if set.Has(models.MetadataTypeSchema) {
		for _, table := range set.SchemaTables() {
			parts = append(parts, renderTableSchema(table, set.Schema[table]))
		}
		if missing := tablesWithoutSchema(set); len(missing) > 0 {
			parts = append(parts, "Tables without a known schema: "+strings.Join(missing, ", "))
		}
	} else {
		parts = append(parts, MissingSchemaMarker+" - consider requesting them with get_table_schema for the relevant tables.")
	}

	if set.Has(models.MetadataTypeRelationships) {
		lines := []string{"Relationships:"}
		for _, r := range set.Relationships {
			lines = append(lines, fmt.Sprintf("  %s.%s -> %s.%s", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	} else {
		parts = append(parts, MissingRelationshipsMarker+" - consider requesting them with get_relationships if the query needs JOINs.")
	}

	if set != nil && set.DatabaseType != "" {
		parts = append(parts, "Database type: "+set.DatabaseType)
	}

	return strings.Join(parts, "\n")
}

func renderTableSchema(table string, schema models.TableSchema) string {
	lines := []string{fmt.Sprintf("Table '%s':", table)}
	for _, col := range schema.Columns {
		dataType := col.DataType
		if dataType == "" {
			dataType = "unknown"
		}
		line := fmt.Sprintf("  %s (%s)", col.Name, dataType)
		if !col.IsNullable {
			line += " NOT NULL"
		}
		if col.IsPrimaryKey {
			line += " PRIMARY KEY"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func tablesWithoutSchema(set *models.MetadataSet) []string {
	var missing []string
	for _, t := range set.Tables {
		if _, ok := set.Schema[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

// SummarizeMetadata is a one-line inventory used in continuation prompts.
func SummarizeMetadata(set *models.MetadataSet) string {
	var parts []string
	if set.Has(models.MetadataTypeTables) {
		parts = append(parts, fmt.Sprintf("table list (%d tables)", len(set.Tables)))
	} else {
		parts = append(parts, "no table list")
	}
	if set.Has(models.MetadataTypeSchema) {
		parts = append(parts, "schemas for "+strings.Join(set.SchemaTables(), ", "))
	} else {
		parts = append(parts, "no schemas")
	}
	if set.Has(models.MetadataTypeRelationships) {
		parts = append(parts, fmt.Sprintf("%d relationships", len(set.Relationships)))
	} else {
		parts = append(parts, "no relationships")
	}
	return strings.Join(parts, "; ")
}

// RenderWorkspaceContext renders learned workspace knowledge for the prompt.
func RenderWorkspaceContext(wc *models.ContextFragment) string {
	if wc == nil || wc.IsEmpty() {
		return "No context available yet"
	}

	var parts []string
	if len(wc.TablesUsed) > 0 {
		parts = append(parts, "Tables used in previous queries: "+strings.Join(wc.TablesUsed, ", "))
	}
	if len(wc.Relationships) > 0 {
		lines := []string{"Known relationships:"}
		for _, r := range wc.Relationships {
			relType := r.Type
			if relType == "" {
				relType = "unknown"
			}
			lines = append(lines, fmt.Sprintf("  - %s.%s -> %s.%s (%s)", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn, relType))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(wc.ColumnTypecastHints) > 0 {
		lines := []string{"Column typecast hints:"}
		for _, h := range wc.ColumnTypecastHints {
			line := fmt.Sprintf("  - %s.%s: %s", h.Table, h.Column, h.Hint)
			if h.Example != "" {
				line += fmt.Sprintf(" (e.g., %s)", h.Example)
			}
			lines = append(lines, line)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(wc.BusinessContext) > 0 {
		lines := []string{"Business rules and domain knowledge:"}
		for _, rule := range wc.BusinessContext {
			lines = append(lines, "  - "+rule)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(wc.SQLPatterns) > 0 {
		lines := []string{"Useful SQL patterns:"}
		for _, p := range wc.SQLPatterns {
			line := "  - " + p.Pattern
			if p.Example != "" {
				line += "\n    Example: " + p.Example
			}
			lines = append(lines, line)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n")
}
