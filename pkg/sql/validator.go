// Package sql inspects SQL text produced by the agent and identifiers supplied
// by clients. Nothing here executes SQL.
package sql

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
)

// Warning texts attached to generated SQL. They never block the response.
const (
	WarningEmptySQL           = "Generated SQL is empty"
	WarningNotReadOnly        = "Generated SQL is not a SELECT query; review it before running"
	WarningMultipleStatements = "Generated SQL contains multiple statements"
	WarningNoLimit            = "Generated SQL has no LIMIT clause and may return many rows"
)

var (
	readOnlyPrefix = regexp.MustCompile(`(?is)^\s*(\(\s*)*(select|with|values|explain\s+select)\b`)
	writeKeyword   = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|merge)\b`)
	limitClause    = regexp.MustCompile(`(?i)\b(limit\s+\d+|fetch\s+first\b|top\s*\(?\s*\d+)`)
	aggregateOnly  = regexp.MustCompile(`(?is)^\s*select\s+(count|sum|avg|min|max)\s*\([^)]*\)\s*(as\s+\w+\s*)?\s+from\b`)
)

// ValidationResult contains the normalized SQL and any validation errors.
type ValidationResult struct {
	NormalizedSQL string
	Error         error
}

// ValidateAndNormalize trims whitespace and one trailing semicolon, then
// rejects any statement separator left outside string literals.
func ValidateAndNormalize(sqlQuery string) ValidationResult {
	sqlQuery = strings.TrimSpace(sqlQuery)
	if sqlQuery == "" {
		return ValidationResult{}
	}

	normalized := stripTrailingSemicolon(sqlQuery)
	if hasSemicolonOutsideStrings(normalized) {
		return ValidationResult{Error: ErrMultipleStatements}
	}
	return ValidationResult{NormalizedSQL: normalized}
}

// ValidateGeneratedSQL returns advisory warnings for SQL the agent produced.
// An empty slice means nothing looked off.
func ValidateGeneratedSQL(sqlQuery string) []string {
	warnings := []string{}

	result := ValidateAndNormalize(sqlQuery)
	if result.Error != nil {
		warnings = append(warnings, WarningMultipleStatements)
		// Inspect what is there anyway so write statements still get flagged.
		result.NormalizedSQL = stripTrailingSemicolon(strings.TrimSpace(sqlQuery))
	}

	stmt := stripLiteralsAndComments(result.NormalizedSQL)
	if strings.TrimSpace(stmt) == "" {
		return append(warnings, WarningEmptySQL)
	}

	if !readOnlyPrefix.MatchString(stmt) || writeKeyword.MatchString(stmt) {
		warnings = append(warnings, WarningNotReadOnly)
	}

	if !limitClause.MatchString(stmt) && !aggregateOnly.MatchString(stmt) {
		warnings = append(warnings, WarningNoLimit)
	}

	return warnings
}

// hasSemicolonOutsideStrings reports a ';' outside single or double quotes.
// Backslash and doubled-quote escapes both keep the scanner inside the string.
func hasSemicolonOutsideStrings(sqlQuery string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
	)

	state := stateNormal
	prev := rune(0)
	for _, ch := range sqlQuery {
		switch state {
		case stateNormal:
			switch ch {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			}
		case stateSingleQuote:
			if ch == '\'' && prev != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if ch == '"' && prev != '\\' {
				state = stateNormal
			}
		}
		prev = ch
	}
	return false
}

func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimRight(strings.TrimSuffix(sqlQuery, ";"), " \t\n\r")
	}
	return sqlQuery
}

// stripLiteralsAndComments blanks out string literals and comments so keyword
// checks only see SQL structure. Quoted identifiers are kept.
func stripLiteralsAndComments(sqlQuery string) string {
	var sb strings.Builder
	runes := []rune(sqlQuery)

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '\'':
			sb.WriteString("''")
			for i++; i < len(runes); i++ {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						i++
						continue
					}
					break
				}
			}
		case ch == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i+1 < len(runes) && runes[i+1] != '\n' {
				i++
			}
			sb.WriteRune(' ')
		case ch == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
			sb.WriteRune(' ')
		default:
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}
