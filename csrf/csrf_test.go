package csrf

import (
	"errors"
	"strings"
	"testing"

	"github.com/kadmos-io/authkit/autherr"
)

func TestIssueTokenCookieDirective(t *testing.T) {
	g := NewGuard(Config{Secure: true})

	tok, err := g.IssueToken()
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if tok.Value == "" {
		t.Fatal("empty token value")
	}
	if !strings.HasPrefix(tok.Cookie, "authkit_csrf="+tok.Value) {
		t.Fatalf("cookie does not carry token: %s", tok.Cookie)
	}
	if !strings.Contains(tok.Cookie, "Path=/") {
		t.Fatalf("cookie missing path: %s", tok.Cookie)
	}
	if !strings.Contains(tok.Cookie, "SameSite=Lax") {
		t.Fatalf("cookie missing samesite: %s", tok.Cookie)
	}
	if strings.Contains(tok.Cookie, "HttpOnly") {
		t.Fatalf("double-submit cookie must be script-readable: %s", tok.Cookie)
	}
}

func TestIssueTokenUnique(t *testing.T) {
	g := NewGuard(Config{})
	a, _ := g.IssueToken()
	b, _ := g.IssueToken()
	if a.Value == b.Value {
		t.Fatal("two issued tokens are equal")
	}
}

func TestValidateDoubleSubmit(t *testing.T) {
	g := NewGuard(Config{})

	cases := []struct {
		name   string
		cookie string
		header string
		ok     bool
	}{
		{"equal", "abc", "abc", true},
		{"unequal", "abc", "xyz", false},
		{"missing cookie", "", "abc", false},
		{"missing header", "abc", "", false},
		{"both missing", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.ValidateDoubleSubmit(tc.cookie, tc.header)
			if tc.ok && err != nil {
				t.Fatalf("expected pass, got %v", err)
			}
			if !tc.ok && !errors.Is(err, autherr.ErrCSRFTokenMismatch) {
				t.Fatalf("expected ErrCSRFTokenMismatch, got %v", err)
			}
		})
	}
}
