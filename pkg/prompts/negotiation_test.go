package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
)

func sampleMetadata() *models.MetadataSet {
	return &models.MetadataSet{
		Tables: []string{"users", "orders"},
		Schema: map[string]models.TableSchema{
			"users": {Columns: []models.ColumnInfo{
				{Name: "id", DataType: "integer", IsNullable: false, IsPrimaryKey: true},
				{Name: "email", DataType: "text", IsNullable: true},
			}},
		},
		Relationships: []models.Relationship{
			{FromTable: "orders", FromColumn: "user_id", ToTable: "users", ToColumn: "id"},
		},
		DatabaseType: "postgres",
	}
}

func TestRenderMetadata_Empty(t *testing.T) {
	out := RenderMetadata(nil)

	assert.Contains(t, out, MissingTablesMarker)
	assert.Contains(t, out, MissingSchemaMarker)
	assert.Contains(t, out, MissingRelationshipsMarker)
	assert.Contains(t, out, "get_table_names")
	assert.Contains(t, out, "get_table_schema")
	assert.Contains(t, out, "get_relationships")
}

func TestRenderMetadata_Full(t *testing.T) {
	out := RenderMetadata(sampleMetadata())

	assert.Contains(t, out, "Tables: users, orders")
	assert.Contains(t, out, "Table 'users':\n  id (integer) NOT NULL PRIMARY KEY\n  email (text)")
	assert.Contains(t, out, "Tables without a known schema: orders")
	assert.Contains(t, out, "Relationships:\n  orders.user_id -> users.id")
	assert.Contains(t, out, "Database type: postgres")
	assert.NotContains(t, out, MissingTablesMarker)
	assert.NotContains(t, out, MissingSchemaMarker)
	assert.NotContains(t, out, MissingRelationshipsMarker)
}

func TestRenderMetadata_OnlyTables(t *testing.T) {
	out := RenderMetadata(&models.MetadataSet{Tables: []string{"users"}})

	assert.Contains(t, out, "Tables: users")
	assert.Contains(t, out, MissingSchemaMarker)
	assert.Contains(t, out, MissingRelationshipsMarker)
}

func TestRenderWorkspaceContext(t *testing.T) {
	assert.Equal(t, "No context available yet", RenderWorkspaceContext(nil))
	empty := models.EmptyContextFragment()
	assert.Equal(t, "No context available yet", RenderWorkspaceContext(&empty))

	wc := &models.ContextFragment{
		TablesUsed: []string{"orders", "users"},
		Relationships: []models.Relationship{
			{FromTable: "orders", FromColumn: "user_id", ToTable: "users", ToColumn: "id", Type: "foreign_key"},
		},
		ColumnTypecastHints: []models.TypecastHint{
			{Table: "orders", Column: "created_at", Hint: "Cast to date", Example: "created_at::date"},
		},
		BusinessContext: []string{"Active users logged in within 30 days"},
		SQLPatterns:     []models.SQLPattern{{Pattern: "Recent activity", Example: "WHERE created_at >= NOW() - INTERVAL '30 days'"}},
	}

	out := RenderWorkspaceContext(wc)
	assert.Contains(t, out, "Tables used in previous queries: orders, users")
	assert.Contains(t, out, "  - orders.user_id -> users.id (foreign_key)")
	assert.Contains(t, out, "  - orders.created_at: Cast to date (e.g., created_at::date)")
	assert.Contains(t, out, "Business rules and domain knowledge:\n  - Active users logged in within 30 days")
	assert.Contains(t, out, "  - Recent activity\n    Example: WHERE created_at")
}

func TestBuildQueryPrompt(t *testing.T) {
	wc := &models.ContextFragment{BusinessContext: []string{"Revenue excludes refunds"}}

	out := BuildQueryPrompt("  how many users?  ", nil, wc)

	assert.True(t, strings.HasPrefix(out, "User query: how many users?\n\nAvailable metadata:\n"))
	assert.Contains(t, out, MissingTablesMarker)
	assert.Contains(t, out, "Learned context from previous queries:\n")
	assert.Contains(t, out, "Revenue excludes refunds")
}

func TestBuildQueryPrompt_OmitsEmptyContext(t *testing.T) {
	out := BuildQueryPrompt("q", sampleMetadata(), nil)
	assert.NotContains(t, out, "Learned context")
}

func TestBuildContinuationPrompt(t *testing.T) {
	tests := []struct {
		name          string
		prior         int
		threshold     int
		wantAntiLoop  bool
		wantCountLine string
	}{
		{"first request", 1, 2, false, "Metadata requests already made in this conversation: 1"},
		{"at threshold", 2, 2, true, "Metadata requests already made in this conversation: 2"},
		{"above threshold", 5, 2, true, "Metadata requests already made in this conversation: 5"},
		{"threshold disabled", 9, 0, false, "Metadata requests already made in this conversation: 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := BuildContinuationPrompt(ContinuationInput{
				OriginalQuery:     "list orders per user",
				Metadata:          sampleMetadata(),
				PriorRequests:     tt.prior,
				AntiLoopThreshold: tt.threshold,
			})

			assert.True(t, strings.HasPrefix(out, ContinuationMessage))
			assert.Contains(t, out, "Original question: list orders per user")
			assert.Contains(t, out, "Metadata now available: table list (2 tables); schemas for users; 1 relationships")
			assert.Contains(t, out, tt.wantCountLine)
			assert.Equal(t, tt.wantAntiLoop, strings.Contains(out, AntiLoopInstruction))
			assert.Contains(t, out, "Available metadata:\n")
		})
	}
}

func TestSummarizeMetadata_Empty(t *testing.T) {
	assert.Equal(t, "no table list; no schemas; no relationships", SummarizeMetadata(nil))
}

func TestBuildErrorCorrectionPrompt(t *testing.T) {
	feedback := models.ErrorFeedback{
		OriginalQuery: "total revenue by month",
		FailedSQL:     "SELECT date_trunc('month', created) FROM orders",
		ErrorMessage:  "function date_trunc(unknown, bigint) does not match",
	}

	out := BuildErrorCorrectionPrompt(feedback, sampleMetadata(), nil)

	assert.True(t, strings.HasPrefix(out, "The following SQL query failed when executed:\n\nOriginal user question: total revenue by month"))
	assert.Contains(t, out, "Failed SQL:\n```sql\nSELECT date_trunc('month', created) FROM orders\n```")
	assert.Contains(t, out, "Database error:\nfunction date_trunc(unknown, bigint) does not match")
	assert.Contains(t, out, "You MUST call the generate_sql tool with the corrected query.")
}

func TestBuildErrorCorrectionPrompt_MissingObject(t *testing.T) {
	feedback := models.ErrorFeedback{
		OriginalQuery: "count customers",
		FailedSQL:     "SELECT COUNT(*) FROM customer",
		ErrorMessage:  `relation "customer" does not exist`,
	}

	out := BuildErrorCorrectionPrompt(feedback, nil, nil)

	assert.Contains(t, out, "Request fresh metadata first")
	assert.NotContains(t, out, "You MUST call the generate_sql tool")
}

func TestIsMissingObjectError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{`ERROR: relation "customer" does not exist (SQLSTATE 42P01)`, true},
		{`column "emali" does not exist`, true},
		{"no such table: customers", true},
		{"no such column: foo", true},
		{"Unknown column 'x' in 'field list'", true},
		{"Table 'shop.customer' doesn't exist", true},
		{"Invalid object name 'dbo.Customer'.", true},
		{"syntax error at or near \"FROM\"", false},
		{"division by zero", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsMissingObjectError(tt.msg), tt.msg)
	}
}

func TestNegotiationTools(t *testing.T) {
	tools := NegotiationTools()
	require.Len(t, tools, 4)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ToolGetTableNames, ToolGetTableSchema, ToolGetRelationships, ToolGenerateSQL}, names)

	schemaTool := tools[1]
	props, ok := schemaTool.Parameters["properties"].(map[string]any)
	require.True(t, ok)
	tableNames, ok := props["table_names"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "array", tableNames["type"])
	assert.Equal(t, []string{"table_names", "reason"}, schemaTool.Parameters["required"])

	sqlTool := tools[3]
	sqlProps := sqlTool.Parameters["properties"].(map[string]any)
	confidence := sqlProps["confidence"].(map[string]any)
	assert.Equal(t, []string{"high", "medium", "low"}, confidence["enum"])
}

func TestIsMetadataTool(t *testing.T) {
	assert.True(t, IsMetadataTool(ToolGetTableNames))
	assert.True(t, IsMetadataTool(ToolGetTableSchema))
	assert.True(t, IsMetadataTool(ToolGetRelationships))
	assert.False(t, IsMetadataTool(ToolGenerateSQL))
	assert.False(t, IsMetadataTool("drop_table"))
}

func TestNegotiationSystemPrompt_Rules(t *testing.T) {
	for _, want := range []string{
		"MUST ALWAYS use the provided tools",
		"default 100",
		"Only generate SELECT queries",
		"Metadata received",
		"DO NOT re-request metadata",
	} {
		assert.Contains(t, NegotiationSystemPrompt, want)
	}
}
