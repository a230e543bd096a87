package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersUsersEdge() Relationship {
	return Relationship{FromTable: "orders", FromColumn: "user_id", ToTable: "users", ToColumn: "id", Type: "foreign_key"}
}

func TestContextFragment_Merge_TablesUsedUnion(t *testing.T) {
	c1 := ContextFragment{TablesUsed: []string{"users", "orders"}}
	c2 := ContextFragment{TablesUsed: []string{"orders", "products", " "}}

	merged := c1.Merge(c2)

	assert.Equal(t, []string{"orders", "products", "users"}, merged.TablesUsed)
	for _, table := range append(c1.TablesUsed, "products") {
		assert.Contains(t, merged.TablesUsed, table)
	}
}

func TestContextFragment_Merge_Idempotent(t *testing.T) {
	c1 := ContextFragment{
		TablesUsed:      []string{"users"},
		Relationships:   []Relationship{ordersUsersEdge()},
		BusinessContext: []string{"Active users logged in within 30 days"},
		ColumnTypecastHints: []TypecastHint{
			{Table: "orders", Column: "created_at", Hint: "cast to date"},
		},
	}
	c2 := ContextFragment{
		TablesUsed:      []string{"orders"},
		BusinessContext: []string{"Premium tier users have tier='premium'"},
		SQLPatterns:     []SQLPattern{{Pattern: "Recent activity", Example: "created_at >= NOW() - INTERVAL '30 days'"}},
		ColumnTypecastHints: []TypecastHint{
			{Table: "orders", Column: "created_at", Hint: "cast to text"},
		},
	}

	once := c1.Merge(c2)
	twice := once.Merge(c2)

	assert.Equal(t, once, twice)
}

func TestContextFragment_Merge_CommutativeForSets(t *testing.T) {
	c1 := ContextFragment{TablesUsed: []string{"b", "a"}, BusinessContext: []string{"rule 2", "rule 1"}}
	c2 := ContextFragment{TablesUsed: []string{"c", "a"}, BusinessContext: []string{"rule 3"}}

	left := c1.Merge(c2)
	right := c2.Merge(c1)

	assert.Equal(t, left.TablesUsed, right.TablesUsed)
	assert.Equal(t, left.BusinessContext, right.BusinessContext)
}

func TestContextFragment_Merge_RelationshipDedup(t *testing.T) {
	c1 := ContextFragment{Relationships: []Relationship{ordersUsersEdge()}}
	relabeled := ordersUsersEdge()
	relabeled.Type = "many_to_one"
	c2 := ContextFragment{Relationships: []Relationship{relabeled}}

	merged := c1.Merge(c2)

	require.Len(t, merged.Relationships, 1)
	assert.Equal(t, "orders.user_id->users.id", merged.Relationships[0].Signature())
	assert.Equal(t, "foreign_key", merged.Relationships[0].Type, "first seen edge wins")
}

func TestContextFragment_Merge_RelationshipDedupWithinFragment(t *testing.T) {
	c1 := ContextFragment{}
	c2 := ContextFragment{Relationships: []Relationship{ordersUsersEdge(), ordersUsersEdge(), {FromTable: "orders"}}}

	merged := c1.Merge(c2)

	require.Len(t, merged.Relationships, 1)
}

func TestContextFragment_Merge_TypecastHintCollisionIncomingWins(t *testing.T) {
	old := ContextFragment{ColumnTypecastHints: []TypecastHint{
		{Table: "orders", Column: "created_at", Hint: "cast to date"},
	}}
	newer := ContextFragment{ColumnTypecastHints: []TypecastHint{
		{Table: "orders", Column: "created_at", Hint: "cast to text"},
	}}

	merged := old.Merge(newer)

	require.Len(t, merged.ColumnTypecastHints, 1)
	assert.Equal(t, "cast to text", merged.ColumnTypecastHints[0].Hint)
}

func TestContextFragment_Merge_SQLPatternIncomingWins(t *testing.T) {
	old := ContextFragment{SQLPatterns: []SQLPattern{{Pattern: "Recent activity", Example: "old"}, {Pattern: "Top N"}}}
	newer := ContextFragment{SQLPatterns: []SQLPattern{{Pattern: "Recent activity ", Example: "new"}}}

	merged := old.Merge(newer)

	require.Len(t, merged.SQLPatterns, 2)
	assert.Equal(t, "Recent activity", merged.SQLPatterns[0].Pattern)
	assert.Equal(t, "new", merged.SQLPatterns[0].Example)
	assert.Equal(t, "Top N", merged.SQLPatterns[1].Pattern)
}

func TestContextFragment_Merge_DoesNotMutateInputs(t *testing.T) {
	c1 := ContextFragment{TablesUsed: []string{"users"}}
	c2 := ContextFragment{TablesUsed: []string{"orders"}}

	_ = c1.Merge(c2)

	assert.Equal(t, []string{"users"}, c1.TablesUsed)
	assert.Equal(t, []string{"orders"}, c2.TablesUsed)
}

func TestContextFragment_NormalizeAndEmpty(t *testing.T) {
	assert.True(t, EmptyContextFragment().IsEmpty())
	assert.True(t, ContextFragment{}.Normalize().IsEmpty())

	normalized := ContextFragment{TablesUsed: []string{"users", "users"}}.Normalize()
	assert.Equal(t, []string{"users"}, normalized.TablesUsed)
	assert.NotNil(t, normalized.SQLPatterns)
}
