package sql

import (
	"regexp"
	"strings"
)

// tokenPattern splits SQL into identifiers (optionally dotted and quoted with
// "", `` or []) and single punctuation characters.
var tokenPattern = regexp.MustCompile(
	"(?:\"[^\"]*\"|`[^`]*`|\\[[^\\]]*\\]|[A-Za-z_][\\w$]*)(?:\\.(?:\"[^\"]*\"|`[^`]*`|\\[[^\\]]*\\]|[A-Za-z_][\\w$]*))*|\\S",
)

// clauseKeywords end a FROM list entry; none of them can be a table alias.
var clauseKeywords = map[string]bool{
	"where": true, "join": true, "inner": true, "left": true, "right": true,
	"full": true, "outer": true, "cross": true, "natural": true, "on": true,
	"using": true, "group": true, "order": true, "limit": true, "having": true,
	"union": true, "except": true, "intersect": true, "window": true,
	"offset": true, "fetch": true, "for": true, "lateral": true, "as": true,
}

// ExtractTableNames returns the tables a SELECT statement reads from, in
// order of first appearance. CTE names, subqueries and FROM inside function
// calls such as EXTRACT(YEAR FROM col) are skipped. Quoting is removed from
// each name part.
//
// This is a lexical scan, not a parser: it is accurate for the statements
// the agent generates and best effort for anything else.
func ExtractTableNames(sqlQuery string) []string {
	tokens := tokenPattern.FindAllString(stripLiteralsAndComments(sqlQuery), -1)
	ctes := cteNames(tokens)

	var out []string
	seen := make(map[string]bool)
	add := func(tok string) {
		name := unquoteIdentifier(tok)
		key := strings.ToLower(name)
		if name == "" || seen[key] || ctes[key] {
			return
		}
		seen[key] = true
		out = append(out, name)
	}

	// Each entry records whether the open paren started a subquery.
	var parens []bool
	inQueryScope := func() bool {
		return len(parens) == 0 || parens[len(parens)-1]
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "(":
			next := strings.ToLower(peek(tokens, i+1))
			parens = append(parens, next == "select" || next == "with")
			continue
		case ")":
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
			continue
		}

		kw := strings.ToLower(tok)
		if (kw != "from" && kw != "join") || !inQueryScope() {
			continue
		}

		j := i + 1
		for {
			for isModifier(peek(tokens, j)) {
				j++
			}
			ref := peek(tokens, j)
			if ref == "" || ref == "(" || !isIdentifierToken(ref) {
				break
			}
			add(ref)
			j++

			if kw == "join" {
				break
			}
			// Skip an optional alias, then continue a comma-separated FROM list.
			if strings.EqualFold(peek(tokens, j), "as") {
				j += 2
			} else if alias := peek(tokens, j); isIdentifierToken(alias) && !clauseKeywords[strings.ToLower(alias)] {
				j++
			}
			if peek(tokens, j) != "," {
				break
			}
			j++
		}
		i = j - 1
	}
	return out
}

// cteNames collects the names bound by WITH clauses.
func cteNames(tokens []string) map[string]bool {
	names := make(map[string]bool)
	for i := 0; i < len(tokens); i++ {
		if !strings.EqualFold(tokens[i], "with") {
			continue
		}
		j := i + 1
		if strings.EqualFold(peek(tokens, j), "recursive") {
			j++
		}
		for j < len(tokens) {
			name := peek(tokens, j)
			if !isIdentifierToken(name) {
				break
			}
			names[strings.ToLower(unquoteIdentifier(name))] = true

			// Advance past "AS (" and the matching ")".
			for j < len(tokens) && tokens[j] != "(" {
				j++
			}
			if peek(tokens, j-1) != "" && !strings.EqualFold(tokens[j-1], "as") {
				// Column list: name(a, b) AS (...)
				j = skipParens(tokens, j)
				for j < len(tokens) && tokens[j] != "(" {
					j++
				}
			}
			j = skipParens(tokens, j)
			if peek(tokens, j) != "," {
				break
			}
			j++
		}
		i = j
	}
	return names
}

// skipParens returns the index just past the group opened at tokens[start].
func skipParens(tokens []string, start int) int {
	depth := 0
	for i := start; i < len(tokens); i++ {
		switch tokens[i] {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(tokens)
}

func peek(tokens []string, i int) string {
	if i < 0 || i >= len(tokens) {
		return ""
	}
	return tokens[i]
}

func isModifier(tok string) bool {
	switch strings.ToLower(tok) {
	case "only", "lateral":
		return true
	}
	return false
}

func isIdentifierToken(tok string) bool {
	if tok == "" {
		return false
	}
	switch c := tok[0]; {
	case c == '"' || c == '`' || c == '[' || c == '_':
		return true
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	}
	return false
}

// unquoteIdentifier strips quoting from every part of a dotted name.
func unquoteIdentifier(tok string) string {
	parts := tokenPartPattern.FindAllString(tok, -1)
	for i, p := range parts {
		parts[i] = strings.Trim(p, "\"`[]")
	}
	return strings.Join(parts, ".")
}

var tokenPartPattern = regexp.MustCompile("\"[^\"]*\"|`[^`]*`|\\[[^\\]]*\\]|[^.]+")
