package authkit_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kadmos-io/authkit"
	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/oauth"
	"github.com/kadmos-io/authkit/store/memory"
)

func newOAuthEngine(t *testing.T, userinfo string) (*authkit.Engine, *memory.Store) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"at-1","token_type":"bearer"}`)
		case "/userinfo":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, userinfo)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := fastConfig()
	cfg.Strategy = authkit.StrategyJWT
	cfg.JWT.AccessTTL = time.Minute
	cfg.JWT.Issuer = "authkit-test"
	cfg.JWT.Audience = "test-clients"
	cfg.Session.TTL = time.Hour
	cfg.Refresh.TTL = time.Hour
	cfg.Keys.GenerateOnBuild = true
	cfg.Verification.ResetTTL = time.Hour
	cfg.Verification.EmailVerifyTTL = time.Hour
	cfg.Verification.DefaultUserRole = "member"
	cfg.OAuth.StateSecret = []byte("0123456789abcdef0123456789abcdef")

	store := memory.New()
	engine, err := authkit.New().
		WithConfig(cfg).
		WithStore(store).
		WithProvider(&oauth.Provider{
			ID:           "acme",
			ClientID:     "client",
			ClientSecret: "secret",
			AuthURL:      srv.URL + "/auth",
			TokenURL:     srv.URL + "/token",
			UserinfoURL:  srv.URL + "/userinfo",
			MapProfile:   oauth.GenericJSONProfile("sub", "email", "name"),
			LinkByEmail:  true,
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, store
}

func cookieNonce(t *testing.T, setCookie string) string {
	t.Helper()
	head, _, _ := strings.Cut(setCookie, ";")
	_, nonce, ok := strings.Cut(strings.TrimSpace(head), "=")
	if !ok {
		t.Fatalf("unparseable cookie %q", setCookie)
	}
	return nonce
}

func TestOAuthLoginCreatesUserAndIssuesCredentials(t *testing.T) {
	ctx := context.Background()
	engine, store := newOAuthEngine(t, `{"sub":"acct-1","email":"fed@example.com","email_verified":true,"name":"Fed"}`)

	start, err := engine.StartOAuth("acme", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("StartOAuth: %v", err)
	}

	creds, res, err := engine.CompleteOAuth(ctx, oauth.CompleteInput{
		ProviderID:  "acme",
		Code:        "code-1",
		State:       start.State,
		CookieNonce: cookieNonce(t, start.StateCookie),
	}, authkit.ClientMeta{IP: "10.0.0.9"})
	if err != nil {
		t.Fatalf("CompleteOAuth: %v", err)
	}
	if !res.Created {
		t.Fatal("expected account creation")
	}
	if creds.AccessToken == "" || creds.RefreshToken == "" {
		t.Fatalf("incomplete credentials %+v", creds)
	}

	// the access token carries the new user's identity
	id, err := engine.Authenticate(ctx, creds.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != res.UserID {
		t.Fatalf("identity user %q, result user %q", id.UserID, res.UserID)
	}

	// and the provider identity is persisted
	u, err := store.FindUserByProviderAccount(ctx, "acme", "acct-1")
	if err != nil {
		t.Fatalf("FindUserByProviderAccount: %v", err)
	}
	if u.Email != "fed@example.com" || !u.EmailVerified {
		t.Fatalf("stored user %+v", u)
	}
}

func TestOAuthLinksExistingAccountByEmail(t *testing.T) {
	ctx := context.Background()
	engine, _ := newOAuthEngine(t, `{"sub":"acct-2","email":"local@example.com","email_verified":true}`)

	local, _, err := engine.Register(ctx, "local@example.com", "a-strong-password", authkit.ClientMeta{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	start, err := engine.StartOAuth("acme", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("StartOAuth: %v", err)
	}
	_, res, err := engine.CompleteOAuth(ctx, oauth.CompleteInput{
		ProviderID:  "acme",
		Code:        "c",
		State:       start.State,
		CookieNonce: cookieNonce(t, start.StateCookie),
	}, authkit.ClientMeta{})
	if err != nil {
		t.Fatalf("CompleteOAuth: %v", err)
	}
	if res.UserID != local.ID || !res.Linked || res.Created {
		t.Fatalf("result %+v, want link to %s", res, local.ID)
	}
}

func TestOAuthStateMismatch(t *testing.T) {
	ctx := context.Background()
	engine, _ := newOAuthEngine(t, `{"sub":"x"}`)

	start, err := engine.StartOAuth("acme", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("StartOAuth: %v", err)
	}

	_, _, err = engine.CompleteOAuth(ctx, oauth.CompleteInput{
		ProviderID:  "acme",
		Code:        "c",
		State:       start.State,
		CookieNonce: "not-the-nonce",
	}, authkit.ClientMeta{})
	if !errors.Is(err, autherr.ErrStateMismatch) {
		t.Fatalf("error = %v, want ErrStateMismatch", err)
	}
}

func TestOAuthWithoutProviders(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	if _, err := engine.StartOAuth("acme", "https://x/cb"); !errors.Is(err, authkit.ErrOAuthNotConfigured) {
		t.Fatalf("error = %v, want ErrOAuthNotConfigured", err)
	}
}
