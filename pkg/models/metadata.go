package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/jsonutil"
)

// ============================================================================
// Metadata Types
// ============================================================================

// MetadataType identifies one kind of schema knowledge a client can supply.
type MetadataType string

const (
	MetadataTypeTables        MetadataType = "tables"
	MetadataTypeSchema        MetadataType = "schema"
	MetadataTypeRelationships MetadataType = "relationships"
)

// ValidMetadataTypes contains all valid metadata type values.
var ValidMetadataTypes = []MetadataType{
	MetadataTypeTables,
	MetadataTypeSchema,
	MetadataTypeRelationships,
}

var (
	ErrInvalidMetadataType    = errors.New("invalid metadata type")
	ErrInvalidMetadataPayload = errors.New("invalid metadata payload")
)

// IsValid reports whether t is one of the known metadata types.
func (t MetadataType) IsValid() bool {
	for _, v := range ValidMetadataTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ParseMetadataType normalizes s and validates it.
func ParseMetadataType(s string) (MetadataType, error) {
	t := MetadataType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMetadataType, s)
	}
	return t, nil
}

// MetadataScope names one metadata cache namespace. Entries belong to an
// (owner, client database) pair and are independent of any conversation.
type MetadataScope struct {
	OwnerID    string `json:"owner_id"`
	DatabaseID string `json:"database_id"`
}

// Key returns a stable string form of the scope for map and cache keys.
func (s MetadataScope) Key() string {
	return s.OwnerID + ":" + s.DatabaseID
}

// ============================================================================
// Schema Payloads
// ============================================================================

// ColumnInfo describes one column as reported by the client.
type ColumnInfo struct {
	Name         string  `json:"name"`
	DataType     string  `json:"data_type"`
	IsNullable   bool    `json:"is_nullable"`
	IsPrimaryKey bool    `json:"is_primary_key"`
	DefaultValue *string `json:"default_value,omitempty"`
}

// UnmarshalJSON accepts the canonical field names plus the legacy spellings
// older clients send (column_name, type, nullable, primary_key).
func (c *ColumnInfo) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Name = firstString(raw, "name", "column_name", "field_name")
	c.DataType = firstString(raw, "data_type", "type")

	c.IsNullable = true
	if v, ok := firstPresent(raw, "is_nullable", "nullable"); ok {
		c.IsNullable = jsonutil.FlexibleBool(v)
	}
	if v, ok := firstPresent(raw, "is_primary_key", "primary_key"); ok {
		c.IsPrimaryKey = jsonutil.FlexibleBool(v)
	}

	c.DefaultValue = nil
	if v, ok := raw["default_value"]; ok && string(bytes.TrimSpace(v)) != "null" {
		s := jsonutil.FlexibleStringValue(v)
		c.DefaultValue = &s
	}
	return nil
}

// TableSchema is the column list for one table.
type TableSchema struct {
	Columns []ColumnInfo `json:"columns"`
}

// UnmarshalJSON accepts either {"columns": [...]} or a bare column array.
func (t *TableSchema) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &t.Columns)
	}

	var obj struct {
		Columns []ColumnInfo `json:"columns"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	t.Columns = obj.Columns
	return nil
}

// Relationship is a directed foreign-key style edge between two columns.
type Relationship struct {
	FromTable  string `json:"from_table" yaml:"from_table"`
	FromColumn string `json:"from_column" yaml:"from_column"`
	ToTable    string `json:"to_table" yaml:"to_table"`
	ToColumn   string `json:"to_column" yaml:"to_column"`
	Type       string `json:"type,omitempty" yaml:"type,omitempty"`
}

// UnmarshalJSON maps legacy relationship spellings onto the canonical fields.
func (r *Relationship) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.FromTable = firstString(raw, "from_table", "table_name")
	r.FromColumn = firstString(raw, "from_column", "column_name")
	r.ToTable = firstString(raw, "to_table", "foreign_table", "referenced_table")
	r.ToColumn = firstString(raw, "to_column", "foreign_column", "referenced_column")
	r.Type = firstString(raw, "type", "relationship_type")
	return nil
}

// Signature identifies the edge independent of its type label.
func (r Relationship) Signature() string {
	return fmt.Sprintf("%s.%s->%s.%s", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
}

// IsComplete reports whether both endpoints name a table and a column.
func (r Relationship) IsComplete() bool {
	return r.FromTable != "" && r.FromColumn != "" && r.ToTable != "" && r.ToColumn != ""
}

// ============================================================================
// Metadata Sets and Fragments
// ============================================================================

// MetadataSet is the typed view of everything cached for one scope. A nil
// field means that fragment type is absent.
type MetadataSet struct {
	Tables        []string               `json:"tables,omitempty"`
	Schema        map[string]TableSchema `json:"schema,omitempty"`
	Relationships []Relationship         `json:"relationships,omitempty"`
	DatabaseType  string                 `json:"database_type,omitempty"`
}

// Has reports whether the set carries a non-empty fragment of type t.
func (s *MetadataSet) Has(t MetadataType) bool {
	if s == nil {
		return false
	}
	switch t {
	case MetadataTypeTables:
		return len(s.Tables) > 0
	case MetadataTypeSchema:
		return len(s.Schema) > 0
	case MetadataTypeRelationships:
		return len(s.Relationships) > 0
	}
	return false
}

// IsEmpty reports whether no fragment of any type is present.
func (s *MetadataSet) IsEmpty() bool {
	return !s.Has(MetadataTypeTables) && !s.Has(MetadataTypeSchema) && !s.Has(MetadataTypeRelationships)
}

// SchemaTables returns the names of tables with known schemas, sorted.
func (s *MetadataSet) SchemaTables() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Schema))
	for name := range s.Schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TableNames returns every table name mentioned anywhere in the set.
func (s *MetadataSet) TableNames() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, t := range s.Tables {
		add(t)
	}
	for _, t := range s.SchemaTables() {
		add(t)
	}
	for _, r := range s.Relationships {
		add(r.FromTable)
		add(r.ToTable)
	}
	return out
}

// Portion returns a copy holding only the fragment of type t.
func (s *MetadataSet) Portion(t MetadataType) *MetadataSet {
	out := &MetadataSet{}
	if s == nil {
		return out
	}
	out.DatabaseType = s.DatabaseType
	switch t {
	case MetadataTypeTables:
		out.Tables = append([]string{}, s.Tables...)
	case MetadataTypeSchema:
		out.Schema = make(map[string]TableSchema, len(s.Schema))
		for k, v := range s.Schema {
			out.Schema[k] = v
		}
	case MetadataTypeRelationships:
		out.Relationships = append([]Relationship{}, s.Relationships...)
	}
	return out
}

// SetPortion copies the fragment of type t from p into s.
func (s *MetadataSet) SetPortion(t MetadataType, p *MetadataSet) {
	if p == nil {
		return
	}
	switch t {
	case MetadataTypeTables:
		s.Tables = p.Tables
	case MetadataTypeSchema:
		s.Schema = p.Schema
	case MetadataTypeRelationships:
		s.Relationships = p.Relationships
	}
	if p.DatabaseType != "" {
		s.DatabaseType = p.DatabaseType
	}
}

// MergeFragment folds incoming into existing for a single fragment type.
// Schema fragments merge per table with incoming tables winning; tables and
// relationships replace wholesale. The result only carries type t.
func MergeFragment(t MetadataType, existing, incoming *MetadataSet) *MetadataSet {
	if t != MetadataTypeSchema || existing == nil {
		return incoming.Portion(t)
	}

	merged := existing.Portion(MetadataTypeSchema)
	for name, schema := range incoming.Schema {
		merged.Schema[name] = schema
	}
	if incoming.DatabaseType != "" {
		merged.DatabaseType = incoming.DatabaseType
	}
	return merged
}

// MetadataFragment is one cached (scope, type) entry.
type MetadataFragment struct {
	Scope     MetadataScope `json:"scope"`
	Type      MetadataType  `json:"type"`
	Data      *MetadataSet  `json:"data"`
	UpdatedAt time.Time     `json:"updated_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Expired reports whether the fragment's TTL has elapsed at now.
func (f *MetadataFragment) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && f.ExpiresAt.Before(now)
}

// ============================================================================
// Submission decoding
// ============================================================================

// DecodeSubmission converts a raw client submission into a typed set that only
// carries the submitted fragment type.
func DecodeSubmission(sub MetadataSubmission) (*MetadataSet, error) {
	t, err := ParseMetadataType(string(sub.MetadataType))
	if err != nil {
		return nil, err
	}

	data := bytes.TrimSpace(sub.Data)
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: empty %s data", ErrInvalidMetadataPayload, t)
	}

	var set *MetadataSet
	switch t {
	case MetadataTypeTables:
		set, err = decodeTables(data)
	case MetadataTypeSchema:
		set, err = decodeSchema(data)
	case MetadataTypeRelationships:
		set, err = decodeRelationships(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMetadataPayload, t, err)
	}
	return set, nil
}

func decodeTables(data []byte) (*MetadataSet, error) {
	set := &MetadataSet{}
	if data[0] == '[' {
		names, err := decodeTableNameList(data)
		if err != nil {
			return nil, err
		}
		set.Tables = names
		return set, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	raw, ok := obj["tables"]
	if !ok {
		return nil, errors.New(`expected a list or an object with "tables"`)
	}
	names, err := decodeTableNameList(bytes.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	set.Tables = names
	set.DatabaseType = firstString(obj, "db_type", "database_type")
	return set, nil
}

func decodeTableNameList(data []byte) ([]string, error) {
	names := []string{}

	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		for _, n := range plain {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		return names, nil
	}

	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if n := strings.TrimSpace(firstString(e, "name", "table_name", "table")); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

func decodeSchema(data []byte) (*MetadataSet, error) {
	set := &MetadataSet{Schema: make(map[string]TableSchema)}

	if data[0] == '[' {
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := strings.TrimSpace(firstString(e, "table_name", "name", "table"))
			if name == "" {
				continue
			}
			var ts TableSchema
			if cols, ok := e["columns"]; ok {
				if err := json.Unmarshal(cols, &ts.Columns); err != nil {
					return nil, fmt.Errorf("table %s: %w", name, err)
				}
			}
			set.Schema[name] = ts
		}
		return set, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if inner, ok := obj["schema"]; ok && len(obj) == 1 {
		inner = bytes.TrimSpace(inner)
		if len(inner) > 0 && inner[0] == '{' && !bytes.Contains(inner, []byte(`"columns"`)) {
			return decodeSchema(inner)
		}
	}

	for name, raw := range obj {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		if raw[0] != '{' && raw[0] != '[' {
			if name == "db_type" || name == "database_type" {
				set.DatabaseType = jsonutil.FlexibleStringValue(raw)
			}
			continue
		}
		var ts TableSchema
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		set.Schema[name] = ts
	}
	return set, nil
}

func decodeRelationships(data []byte) (*MetadataSet, error) {
	raw := data
	if data[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		inner, ok := obj["relationships"]
		if !ok {
			return nil, errors.New(`expected a list or an object with "relationships"`)
		}
		raw = inner
	}

	var rels []Relationship
	if err := json.Unmarshal(raw, &rels); err != nil {
		return nil, err
	}

	set := &MetadataSet{Relationships: []Relationship{}}
	for _, r := range rels {
		if r.IsComplete() {
			set.Relationships = append(set.Relationships, r)
		}
	}
	return set, nil
}

func firstPresent(raw map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && string(bytes.TrimSpace(v)) != "null" {
			return v, true
		}
	}
	return nil, false
}

func firstString(raw map[string]json.RawMessage, keys ...string) string {
	if v, ok := firstPresent(raw, keys...); ok {
		return jsonutil.FlexibleStringValue(v)
	}
	return ""
}
