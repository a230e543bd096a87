package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
)

// DefaultTitleMaxWords bounds generated conversation titles.
const DefaultTitleMaxWords = 5

// ExtractionSystemPrompt instructs the model to distill a satisfied
// conversation into reusable workspace knowledge.
const ExtractionSystemPrompt = `You are a database context analyzer. Your job is to extract reusable knowledge from a conversation in which a user successfully got the SQL they needed.

Analyze the conversation and extract:
1. Tables that were used in the final queries
2. Relationships between tables (foreign keys, join conditions)
3. Column typecast hints (columns that needed casting or special handling)
4. Business context and domain knowledge (definitions, rules, conventions)
5. Useful SQL patterns that could be reused in future queries

Respond with a JSON object in exactly this format:
{
  "tables_used": ["orders", "users"],
  "relationships": [
    {
      "from_table": "orders",
      "from_column": "user_id",
      "to_table": "users",
      "to_column": "id",
      "type": "foreign_key"
    }
  ],
  "column_typecast_hints": [
    {
      "table": "orders",
      "column": "created_at",
      "hint": "Cast to date for date-only comparisons",
      "example": "created_at::date"
    }
  ],
  "business_context": [
    "Active users are defined as users who logged in within the last 30 days",
    "Premium tier users have tier='premium' in the users table"
  ],
  "sql_patterns": [
    {
      "pattern": "Recent activity filtering",
      "example": "WHERE created_at >= NOW() - INTERVAL '30 days'"
    }
  ]
}

RULES:
- Only include information that is clearly supported by the conversation
- Use empty arrays for categories with nothing to report
- Keep business context statements short and self-contained
- Do not invent tables, columns or relationships
- Respond with the JSON object only`

// BuildExtractionPrompt renders the analysis request for a conversation.
func BuildExtractionPrompt(messages []models.HistoryEntry, userNotes string, metadataUsed *models.MetadataSet) string {
	var sb strings.Builder
	sb.WriteString("Analyze this SQL conversation and extract structured context:\n\nCONVERSATION:\n")

	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(string(m.Role)), m.Content))
	}
	sb.WriteString(strings.Join(lines, "\n\n"))

	if notes := strings.TrimSpace(userNotes); notes != "" {
		sb.WriteString("\n\nUSER NOTES:\n")
		sb.WriteString(notes)
	}

	if metadataUsed != nil && !metadataUsed.IsEmpty() {
		if data, err := json.MarshalIndent(metadataUsed, "", "  "); err == nil {
			sb.WriteString("\n\nMETADATA AVAILABLE DURING CONVERSATION:\n")
			sb.Write(data)
		}
	}

	sb.WriteString("\n\nProvide your analysis as a JSON object following the exact schema specified in the system prompt.")
	return sb.String()
}

// BuildTitlePrompt asks for a short title describing the original question.
func BuildTitlePrompt(originalQuery string, maxWords int) string {
	if maxWords <= 0 {
		maxWords = DefaultTitleMaxWords
	}
	return fmt.Sprintf(`Generate a concise, descriptive title for this SQL query conversation.

ORIGINAL QUERY:
%s

RULES:
- Maximum %d words
- Be specific about what data is being queried
- Use action verbs (e.g., "Find", "List", "Count", "Analyze")
- No quotes or special formatting
- Title case

RESPOND WITH ONLY THE TITLE, NOTHING ELSE.`, strings.TrimSpace(originalQuery), maxWords)
}
