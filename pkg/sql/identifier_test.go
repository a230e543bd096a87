package sql

import (
	"errors"
	"strings"
	"testing"
)

func TestCheckIdentifier(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		wantReject bool
	}{
		// Ordinary names
		{name: "plain table", identifier: "users"},
		{name: "snake case", identifier: "order_items"},
		{name: "schema qualified", identifier: "public.orders"},
		{name: "with digits", identifier: "events_2024"},
		{name: "surrounding whitespace", identifier: "  users  "},

		// Rejected shapes
		{name: "empty", identifier: "", wantReject: true},
		{name: "whitespace only", identifier: "   ", wantReject: true},
		{name: "statement separator", identifier: "users; DROP TABLE users", wantReject: true},
		{name: "single quote", identifier: "users' OR '1'='1", wantReject: true},
		{name: "line comment", identifier: "users--", wantReject: true},
		{name: "block comment", identifier: "users/**/", wantReject: true},
		{name: "newline", identifier: "users\nUNION", wantReject: true},
		{name: "too long", identifier: strings.Repeat("t", MaxIdentifierLength+1), wantReject: true},
		{name: "union select", identifier: "1 UNION SELECT * FROM passwords", wantReject: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := CheckIdentifier(tt.identifier)
			if tt.wantReject && res == nil {
				t.Fatalf("expected %q to be rejected", tt.identifier)
			}
			if !tt.wantReject && res != nil {
				t.Fatalf("expected %q to be accepted, got %v", tt.identifier, res)
			}
			if res != nil && res.Reason == "" {
				t.Errorf("rejection should carry a reason")
			}
		})
	}
}

func TestCheckIdentifiers(t *testing.T) {
	if err := CheckIdentifiers([]string{"users", "orders", "public.payments"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckIdentifiers(nil); err != nil {
		t.Fatalf("nil list should pass: %v", err)
	}

	err := CheckIdentifiers([]string{"users", "x'; DELETE FROM logs; --"})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !errors.Is(err, ErrSuspiciousIdentifier) {
		t.Errorf("expected ErrSuspiciousIdentifier, got %v", err)
	}
	if !strings.Contains(err.Error(), "DELETE FROM logs") {
		t.Errorf("error should name the identifier: %v", err)
	}
}
