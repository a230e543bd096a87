// Package logging scrubs text before it reaches the logs. Client SQL and
// database error messages can carry customer values and credentials, so they
// pass through here first.
package logging

import (
	"regexp"
	"unicode/utf8"
)

const (
	// MaxSQLLogLength is the maximum number of runes of SQL to log.
	MaxSQLLogLength = 200
	// MaxMessageLogLength bounds free-form text such as database errors.
	MaxMessageLogLength = 500
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	jwtPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)

	// user:pass@host format
	connStringPattern = regexp.MustCompile(`://[^:]+:[^@]+@[^/\s]+`)

	// Single-quoted SQL literals, with '' as the escaped quote.
	sqlLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
)

// SanitizeConnectionString removes credentials from a connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError renders err with credentials, tokens and keys removed.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}

// SanitizeMessage scrubs free-form text such as a client-reported database
// error and bounds its length.
func SanitizeMessage(msg string) string {
	sanitized := passwordPattern.ReplaceAllString(msg, "${1}="+RedactedText)
	sanitized = jwtPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	return TruncateForLog(sanitized, MaxMessageLogLength)
}

// SanitizeSQL replaces string literals with '?' and truncates the result.
// The statement shape stays readable; the values do not reach the log.
func SanitizeSQL(query string) string {
	if query == "" {
		return ""
	}
	sanitized := sqlLiteralPattern.ReplaceAllString(query, "'?'")
	return TruncateForLog(sanitized, MaxSQLLogLength)
}

// TruncateForLog cuts s to at most maxLen runes, appending "..." when cut.
func TruncateForLog(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
