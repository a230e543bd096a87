package sql

import (
	"slices"
	"testing"
)

func TestValidateAndNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "no semicolon", input: "SELECT 1", expected: "SELECT 1"},
		{name: "trailing semicolon and whitespace", input: "SELECT 1;  ", expected: "SELECT 1"},
		{name: "whitespace only", input: "   ", expected: ""},
		{name: "semicolon in literal", input: "SELECT * FROM users WHERE name = 'a;b';", expected: "SELECT * FROM users WHERE name = 'a;b'"},
		{name: "semicolon in quoted identifier", input: `SELECT * FROM "table;name"`, expected: `SELECT * FROM "table;name"`},
		{name: "doubled quote escape", input: "SELECT 'it''s;here'", expected: "SELECT 'it''s;here'"},
		{name: "backslash escape", input: `SELECT 'test\';more'`, expected: `SELECT 'test\';more'`},
		{name: "newlines kept", input: "SELECT *\nFROM users;", expected: "SELECT *\nFROM users"},
		{name: "two statements", input: "SELECT 1; SELECT 2", wantErr: true},
		{name: "stacked drop", input: "SELECT 1; DROP TABLE users;", wantErr: true},
		{name: "double trailing semicolon", input: "SELECT 1;;", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateAndNormalize(tt.input)
			if tt.wantErr {
				if result.Error != ErrMultipleStatements {
					t.Fatalf("expected ErrMultipleStatements, got %v", result.Error)
				}
				return
			}
			if result.Error != nil {
				t.Fatalf("unexpected error: %v", result.Error)
			}
			if result.NormalizedSQL != tt.expected {
				t.Errorf("got %q, want %q", result.NormalizedSQL, tt.expected)
			}
		})
	}
}

func TestValidateGeneratedSQL(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "select with limit",
			sql:  "SELECT u.id, u.email FROM users u WHERE u.active LIMIT 100;",
			want: []string{},
		},
		{
			name: "cte with limit",
			sql:  "WITH recent AS (SELECT * FROM orders) SELECT * FROM recent LIMIT 10",
			want: []string{},
		},
		{
			name: "aggregate needs no limit",
			sql:  "SELECT COUNT(*) AS total FROM users",
			want: []string{},
		},
		{
			name: "fetch first",
			sql:  "SELECT id FROM users FETCH FIRST 5 ROWS ONLY",
			want: []string{},
		},
		{
			name: "missing limit",
			sql:  "SELECT * FROM orders",
			want: []string{WarningNoLimit},
		},
		{
			name: "limit only inside literal",
			sql:  "SELECT * FROM notes WHERE body = 'limit 5'",
			want: []string{WarningNoLimit},
		},
		{
			name: "delete",
			sql:  "DELETE FROM users WHERE id = 1",
			want: []string{WarningNotReadOnly, WarningNoLimit},
		},
		{
			name: "cte wrapping a write",
			sql:  "WITH gone AS (DELETE FROM users RETURNING id) SELECT * FROM gone LIMIT 1",
			want: []string{WarningNotReadOnly},
		},
		{
			name: "write keyword in comment is ignored",
			sql:  "-- never DROP anything\nSELECT id FROM users LIMIT 1",
			want: []string{},
		},
		{
			name: "column named like a keyword prefix",
			sql:  "SELECT created_at, updated_at FROM users LIMIT 1",
			want: []string{},
		},
		{
			name: "multiple statements",
			sql:  "SELECT 1 LIMIT 1; DROP TABLE users",
			want: []string{WarningMultipleStatements, WarningNotReadOnly},
		},
		{
			name: "empty",
			sql:  "  ",
			want: []string{WarningEmptySQL},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateGeneratedSQL(tt.sql)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ValidateGeneratedSQL(%q) = %v, want %v", tt.sql, got, tt.want)
			}
		})
	}
}

func TestStripLiteralsAndComments(t *testing.T) {
	in := "SELECT 'a''b' /* x DROP */ FROM t -- DELETE\nWHERE c = 'd'"
	want := "SELECT ''   FROM t  \nWHERE c = ''"
	if got := stripLiteralsAndComments(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
