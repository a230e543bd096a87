package sql

import (
	"errors"
	"fmt"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

// MaxIdentifierLength bounds table names accepted from clients.
const MaxIdentifierLength = 255

// ErrSuspiciousIdentifier marks a client-supplied name that will not be
// embedded into prompts.
var ErrSuspiciousIdentifier = errors.New("suspicious identifier")

// IdentifierCheckResult describes why an identifier was rejected.
type IdentifierCheckResult struct {
	Identifier  string
	Reason      string
	Fingerprint string // libinjection fingerprint, when that is what tripped
}

func (r *IdentifierCheckResult) Error() string {
	if r.Fingerprint != "" {
		return fmt.Sprintf("%s %q: %s (fingerprint %s)", ErrSuspiciousIdentifier, r.Identifier, r.Reason, r.Fingerprint)
	}
	return fmt.Sprintf("%s %q: %s", ErrSuspiciousIdentifier, r.Identifier, r.Reason)
}

func (r *IdentifierCheckResult) Unwrap() error {
	return ErrSuspiciousIdentifier
}

// CheckIdentifier validates a table name reported by a client. Names may be
// schema-qualified and may contain quoted parts, but must not carry
// statement separators, comments, control characters or anything
// libinjection classifies as SQL injection.
//
// Returns nil when the name is acceptable.
func CheckIdentifier(name string) *IdentifierCheckResult {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return &IdentifierCheckResult{Identifier: name, Reason: "empty name"}
	case len(trimmed) > MaxIdentifierLength:
		return &IdentifierCheckResult{Identifier: name, Reason: "name too long"}
	case strings.ContainsAny(trimmed, ";'\\"):
		return &IdentifierCheckResult{Identifier: name, Reason: "contains a quote or statement separator"}
	case strings.Contains(trimmed, "--") || strings.Contains(trimmed, "/*"):
		return &IdentifierCheckResult{Identifier: name, Reason: "contains a comment marker"}
	}
	for _, r := range trimmed {
		if r < 0x20 || r == 0x7f {
			return &IdentifierCheckResult{Identifier: name, Reason: "contains a control character"}
		}
	}

	if isSQLi, fingerprint := libinjection.IsSQLi(trimmed); isSQLi {
		return &IdentifierCheckResult{
			Identifier:  name,
			Reason:      "matches a SQL injection pattern",
			Fingerprint: string(fingerprint),
		}
	}
	return nil
}

// CheckIdentifiers validates every name and returns the first rejection as an
// error wrapping ErrSuspiciousIdentifier.
func CheckIdentifiers(names []string) error {
	for _, n := range names {
		if res := CheckIdentifier(n); res != nil {
			return res
		}
	}
	return nil
}
