package jwt

import (
	"errors"
	"testing"
	"time"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/keystore"
)

func testManager(t *testing.T, cfg Config) (*Manager, *keystore.Manager) {
	t.Helper()

	ks := keystore.NewManager(keystore.Config{Retention: 1})
	if _, err := ks.GenerateKey(keystore.AlgEdDSA); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = time.Minute
	}
	m, err := NewManager(cfg, ks)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, ks
}

func TestIssueAndVerify(t *testing.T) {
	m, _ := testManager(t, Config{Issuer: "authkit-test", Audience: "api"})

	token, err := m.IssueAccessToken(ClaimsInput{
		Subject:   "user-1",
		SessionID: "sess-1",
		Role:      "admin",
		OrgID:     "org-9",
	})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, err := m.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "user-1" || claims.SID != "sess-1" || claims.Role != "admin" || claims.Org != "org-9" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		t.Fatalf("exp must be after iat: %+v", claims)
	}
}

func TestVerifySurvivesRotationUntilPrune(t *testing.T) {
	m, ks := testManager(t, Config{})

	token, err := m.IssueAccessToken(ClaimsInput{Subject: "user-1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// one rotation: old key moves to the previous list, token still verifies
	if _, err := ks.GenerateKey(keystore.AlgEdDSA); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := m.VerifyAccessToken(token); err != nil {
		t.Fatalf("verify after rotation failed: %v", err)
	}

	// second rotation prunes the original key (retention = 1)
	if _, err := ks.GenerateKey(keystore.AlgEdDSA); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := m.VerifyAccessToken(token); !errors.Is(err, autherr.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after prune, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	m, _ := testManager(t, Config{AccessTTL: time.Millisecond})

	token, err := m.IssueAccessToken(ClaimsInput{Subject: "user-1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, err := m.VerifyAccessToken(token); !errors.Is(err, autherr.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyIssuerMismatch(t *testing.T) {
	ks := keystore.NewManager(keystore.Config{Retention: 1})
	if _, err := ks.GenerateKey(keystore.AlgEdDSA); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	issuerA, err := NewManager(Config{AccessTTL: time.Minute, Issuer: "issuer-a"}, ks)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	issuerB, err := NewManager(Config{AccessTTL: time.Minute, Issuer: "issuer-b"}, ks)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := issuerA.IssueAccessToken(ClaimsInput{Subject: "user-1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := issuerB.VerifyAccessToken(token); !errors.Is(err, autherr.ErrIssuerMismatch) {
		t.Fatalf("expected ErrIssuerMismatch, got %v", err)
	}
}

func TestVerifyAudienceMismatch(t *testing.T) {
	ks := keystore.NewManager(keystore.Config{Retention: 1})
	if _, err := ks.GenerateKey(keystore.AlgEdDSA); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	noAud, err := NewManager(Config{AccessTTL: time.Minute}, ks)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	wantAud, err := NewManager(Config{AccessTTL: time.Minute, Audience: "api"}, ks)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := noAud.IssueAccessToken(ClaimsInput{Subject: "user-1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := wantAud.VerifyAccessToken(token); !errors.Is(err, autherr.ErrAudienceMismatch) {
		t.Fatalf("expected ErrAudienceMismatch, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	m, _ := testManager(t, Config{})
	if _, err := m.VerifyAccessToken("not-a-jwt"); !errors.Is(err, autherr.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRS256IssueAndVerify(t *testing.T) {
	ks := keystore.NewManager(keystore.Config{Retention: 1})
	if _, err := ks.GenerateKey(keystore.AlgRS256); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	m, err := NewManager(Config{AccessTTL: time.Minute}, ks)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := m.IssueAccessToken(ClaimsInput{Subject: "user-1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := m.VerifyAccessToken(token); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}
