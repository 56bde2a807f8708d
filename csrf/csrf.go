// Package csrf implements the double-submit token guard: the same
// unguessable value must arrive in a cookie and be echoed in a request
// header or body field. A forged cross-site request cannot read the
// cookie to reproduce the echo.
//
// The cookie is deliberately issued without HttpOnly: the echoing
// script must be able to read it. Callers that prefer body delivery can
// take the token from the issue result instead.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"

	"github.com/kadmos-io/authkit/autherr"
)

const tokenBytes = 32

// Config tunes the cookie the guard issues.
type Config struct {
	CookieName string
	Path       string
	SameSite   http.SameSite
	Secure     bool
	MaxAge     int // seconds; 0 means session cookie
}

func defaultConfig() Config {
	return Config{
		CookieName: "authkit_csrf",
		Path:       "/",
		SameSite:   http.SameSiteLaxMode,
		Secure:     true,
	}
}

// Token is one issued CSRF token with its Set-Cookie directive.
type Token struct {
	Value  string
	Cookie string
}

// Guard issues and validates double-submit tokens. It keeps no
// server-side state; validity is structural.
type Guard struct {
	cfg Config
}

func NewGuard(cfg Config) *Guard {
	def := defaultConfig()
	if cfg.CookieName == "" {
		cfg.CookieName = def.CookieName
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = def.SameSite
	}
	return &Guard{cfg: cfg}
}

// IssueToken generates a random token and the cookie directive that
// stores it.
func (g *Guard) IssueToken() (*Token, error) {
	var raw [tokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, err
	}
	value := base64.RawURLEncoding.EncodeToString(raw[:])

	c := http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    value,
		Path:     g.cfg.Path,
		SameSite: g.cfg.SameSite,
		Secure:   g.cfg.Secure,
		MaxAge:   g.cfg.MaxAge,
		// HttpOnly intentionally off; see package doc.
	}

	return &Token{Value: value, Cookie: c.String()}, nil
}

// ValidateDoubleSubmit requires both tokens present and equal. The
// comparison is constant-time. This check gates every state-mutating
// request independent of session validity.
func (g *Guard) ValidateDoubleSubmit(cookieToken, headerToken string) error {
	if cookieToken == "" || headerToken == "" {
		return autherr.ErrCSRFTokenMismatch
	}
	if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
		return autherr.ErrCSRFTokenMismatch
	}
	return nil
}

// CookieName reports the configured cookie name so transports can
// locate the stored token.
func (g *Guard) CookieName() string {
	return g.cfg.CookieName
}
