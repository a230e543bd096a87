package prompts

import "github.com/ekaya-inc/ekaya-sqlagent/pkg/llm"

// NegotiationTools returns the four actions the negotiation agent may take:
// three metadata requests and the final generate_sql answer.
func NegotiationTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		llm.NewToolDefinition(
			ToolGetTableNames,
			"Request the list of all table names in the database. Use this when you need to know what tables exist before generating SQL queries.",
			map[string]llm.ParameterProperty{
				"reason": {
					Type:        "string",
					Description: "Brief explanation of why you need the table list (shown to user for approval)",
				},
			},
			[]string{"reason"},
		),
		llm.NewToolDefinition(
			ToolGetTableSchema,
			"Request detailed schema information for specific tables (columns, types, constraints). Use this when you know which tables are relevant but need their structure.",
			map[string]llm.ParameterProperty{
				"table_names": {
					Type:        "array",
					Items:       "string",
					Description: "List of table names to get schema for",
				},
				"reason": {
					Type:        "string",
					Description: "Brief explanation of why you need these schemas (shown to user for approval)",
				},
			},
			[]string{"table_names", "reason"},
		),
		llm.NewToolDefinition(
			ToolGetRelationships,
			"Request foreign key relationships between tables. Use this when you need to perform JOINs and need to know how tables are related.",
			map[string]llm.ParameterProperty{
				"reason": {
					Type:        "string",
					Description: "Brief explanation of why you need relationship information (shown to user for approval)",
				},
			},
			[]string{"reason"},
		),
		llm.NewToolDefinition(
			ToolGenerateSQL,
			"Generate the final SQL query when you have enough metadata. This is the final step after gathering necessary information.",
			map[string]llm.ParameterProperty{
				"sql": {
					Type:        "string",
					Description: "The complete SQL query to execute",
				},
				"explanation": {
					Type:        "string",
					Description: "Clear explanation of what the query does and why it answers the user's question",
				},
				"confidence": {
					Type:        "string",
					Description: "Your confidence level in this query being correct",
					Enum:        []string{"high", "medium", "low"},
				},
			},
			[]string{"sql", "explanation", "confidence"},
		),
	}
}

// IsMetadataTool reports whether name requests metadata from the client.
func IsMetadataTool(name string) bool {
	switch name {
	case ToolGetTableNames, ToolGetTableSchema, ToolGetRelationships:
		return true
	}
	return false
}
