package oauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/internal/secret"
)

// statePayload binds the round trip together: which provider the user
// was sent to, where to return, and a nonce that must also come back in
// the browser's cookie.
type statePayload struct {
	Provider string `json:"p"`
	Callback string `json:"cb"`
	Nonce    string `json:"n"`
	Expires  int64  `json:"exp"`
	LinkTo   string `json:"link,omitempty"`
}

func signState(key []byte, payload statePayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(encoded))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return encoded + "." + sig, nil
}

// verifyState checks the signature before trusting any field, then the
// deadline, then binds the nonce to the cookie value.
func verifyState(key []byte, state, cookieNonce string, now time.Time) (*statePayload, error) {
	encoded, sig, ok := strings.Cut(state, ".")
	if !ok {
		return nil, autherr.ErrStateMismatch
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(encoded))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return nil, autherr.ErrStateMismatch
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, autherr.ErrStateMismatch
	}
	var payload statePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, autherr.ErrStateMismatch
	}

	if now.Unix() > payload.Expires {
		return nil, fmt.Errorf("%w: state expired", autherr.ErrStateMismatch)
	}
	if cookieNonce == "" || !hmac.Equal([]byte(cookieNonce), []byte(payload.Nonce)) {
		return nil, fmt.Errorf("%w: nonce cookie", autherr.ErrStateMismatch)
	}
	return &payload, nil
}

func newNonce() (string, error) {
	return secret.NewID()
}

// stateCookie builds the Set-Cookie header value carrying the nonce for
// the duration of the round trip.
func (o *Orchestrator) stateCookie(nonce string, ttl time.Duration) string {
	c := &http.Cookie{
		Name:     o.cookieName,
		Value:    nonce,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   o.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	return c.String()
}

// ClearStateCookie is the Set-Cookie value that drops the nonce once
// the flow completes.
func (o *Orchestrator) ClearStateCookie() string {
	c := &http.Cookie{
		Name:     o.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   o.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	return c.String()
}
