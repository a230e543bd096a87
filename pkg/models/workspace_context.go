package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TypecastHint records how a column must be cast or handled in queries.
type TypecastHint struct {
	Table   string `json:"table" yaml:"table"`
	Column  string `json:"column" yaml:"column"`
	Hint    string `json:"hint" yaml:"hint"`
	Example string `json:"example,omitempty" yaml:"example,omitempty"`
}

// Key is the natural key hints are deduplicated by.
func (h TypecastHint) Key() string {
	return h.Table + "." + h.Column
}

// SQLPattern is a reusable query idiom learned from a conversation.
type SQLPattern struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Example string `json:"example,omitempty" yaml:"example,omitempty"`
}

// ContextFragment is mergeable workspace knowledge, either extracted from one
// conversation or accumulated across many.
type ContextFragment struct {
	TablesUsed          []string       `json:"tables_used" yaml:"tables_used"`
	Relationships       []Relationship `json:"relationships" yaml:"relationships"`
	ColumnTypecastHints []TypecastHint `json:"column_typecast_hints" yaml:"column_typecast_hints"`
	BusinessContext     []string       `json:"business_context" yaml:"business_context"`
	SQLPatterns         []SQLPattern   `json:"sql_patterns" yaml:"sql_patterns"`
}

// EmptyContextFragment returns a fragment with every list non-nil, so it
// serializes as empty arrays rather than null.
func EmptyContextFragment() ContextFragment {
	return ContextFragment{
		TablesUsed:          []string{},
		Relationships:       []Relationship{},
		ColumnTypecastHints: []TypecastHint{},
		BusinessContext:     []string{},
		SQLPatterns:         []SQLPattern{},
	}
}

// IsEmpty reports whether the fragment carries no knowledge at all.
func (f ContextFragment) IsEmpty() bool {
	return len(f.TablesUsed) == 0 && len(f.Relationships) == 0 &&
		len(f.ColumnTypecastHints) == 0 && len(f.BusinessContext) == 0 &&
		len(f.SQLPatterns) == 0
}

// Normalize returns f merged into an empty fragment, which trims, dedups and
// orders every field the same way Merge does.
func (f ContextFragment) Normalize() ContextFragment {
	return EmptyContextFragment().Merge(f)
}

// Merge folds incoming into f and returns the result; neither input is
// modified.
//
//   - tables_used, business_context: set union
//   - relationships: dedup by edge signature, first seen wins
//   - column_typecast_hints: keyed by table.column, incoming wins
//   - sql_patterns: keyed by pattern name, incoming wins
func (f ContextFragment) Merge(incoming ContextFragment) ContextFragment {
	return ContextFragment{
		TablesUsed:          unionSorted(f.TablesUsed, incoming.TablesUsed),
		Relationships:       mergeRelationships(f.Relationships, incoming.Relationships),
		ColumnTypecastHints: mergeHints(f.ColumnTypecastHints, incoming.ColumnTypecastHints),
		BusinessContext:     unionSorted(f.BusinessContext, incoming.BusinessContext),
		SQLPatterns:         mergePatterns(f.SQLPatterns, incoming.SQLPatterns),
	}
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := []string{}
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func mergeRelationships(existing, incoming []Relationship) []Relationship {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := []Relationship{}
	for _, list := range [][]Relationship{existing, incoming} {
		for _, r := range list {
			if !r.IsComplete() {
				continue
			}
			sig := r.Signature()
			if seen[sig] {
				continue
			}
			seen[sig] = true
			out = append(out, r)
		}
	}
	return out
}

func mergeHints(existing, incoming []TypecastHint) []TypecastHint {
	byKey := make(map[string]TypecastHint, len(existing)+len(incoming))
	for _, list := range [][]TypecastHint{existing, incoming} {
		for _, h := range list {
			if h.Table == "" || h.Column == "" {
				continue
			}
			byKey[h.Key()] = h
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]TypecastHint, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

func mergePatterns(existing, incoming []SQLPattern) []SQLPattern {
	byName := make(map[string]SQLPattern, len(existing)+len(incoming))
	for _, list := range [][]SQLPattern{existing, incoming} {
		for _, p := range list {
			name := strings.TrimSpace(p.Pattern)
			if name == "" {
				continue
			}
			p.Pattern = name
			byName[name] = p
		}
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]SQLPattern, 0, len(names))
	for _, n := range names {
		out = append(out, byName[n])
	}
	return out
}

// WorkspaceContext is the single durable knowledge record for a workspace.
type WorkspaceContext struct {
	ContextFragment `yaml:",inline"`

	WorkspaceID          uuid.UUID  `json:"workspace_id" yaml:"workspace_id"`
	IsEditable           bool       `json:"is_editable" yaml:"is_editable"`
	SourceConversationID *uuid.UUID `json:"source_conversation_id,omitempty" yaml:"source_conversation_id,omitempty"`
	CreatedBy            string     `json:"created_by" yaml:"created_by"`
	Version              int64      `json:"version" yaml:"version"`
	CreatedAt            time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" yaml:"updated_at"`
}
