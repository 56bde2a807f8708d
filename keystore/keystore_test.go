package keystore

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kadmos-io/authkit/autherr"
)

func TestActiveKeyNotConfigured(t *testing.T) {
	m := NewManager(Config{Retention: 2})

	if _, err := m.ActiveKey(); !errors.Is(err, autherr.ErrKeyNotConfigured) {
		t.Fatalf("expected ErrKeyNotConfigured, got %v", err)
	}
}

func TestGenerateInstallsActiveKey(t *testing.T) {
	m := NewManager(Config{Retention: 2})

	k, err := m.GenerateKey(AlgEdDSA)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if k.KID == "" || k.Private == nil || k.Public == nil {
		t.Fatalf("incomplete key: %+v", k)
	}

	active, err := m.ActiveKey()
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	if active.KID != k.KID {
		t.Fatalf("active kid = %s, want %s", active.KID, k.KID)
	}
}

func TestRotationRetainsPreviousKeys(t *testing.T) {
	m := NewManager(Config{Retention: 2})

	k1, _ := m.GenerateKey(AlgEdDSA)
	k2, _ := m.GenerateKey(AlgEdDSA)
	k3, _ := m.GenerateKey(AlgEdDSA)

	active, err := m.ActiveKey()
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	if active.KID != k3.KID {
		t.Fatalf("active kid = %s, want %s", active.KID, k3.KID)
	}

	// k1 and k2 still verify
	for _, kid := range []string{k1.KID, k2.KID, k3.KID} {
		if _, err := m.VerificationKey(kid); err != nil {
			t.Fatalf("verification key %s: %v", kid, err)
		}
	}

	// fourth rotation prunes k1
	if _, err := m.GenerateKey(AlgEdDSA); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := m.VerificationKey(k1.KID); !errors.Is(err, autherr.ErrKeyNotFound) {
		t.Fatalf("expected pruned key lookup to fail with ErrKeyNotFound, got %v", err)
	}
	if _, err := m.VerificationKey(k2.KID); err != nil {
		t.Fatalf("k2 should still verify: %v", err)
	}
}

func TestPublicJWKS(t *testing.T) {
	m := NewManager(Config{Retention: 1})
	if _, err := m.GenerateKey(AlgEdDSA); err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}
	if _, err := m.GenerateKey(AlgRS256); err != nil {
		t.Fatalf("generate rsa: %v", err)
	}

	exported, err := m.PublicJWKS()
	if err != nil {
		t.Fatalf("jwks export: %v", err)
	}

	// the document must survive the trip to an external verifier intact
	raw, err := json.Marshal(exported)
	if err != nil {
		t.Fatalf("jwks marshal: %v", err)
	}
	var set JWKS
	if err := json.Unmarshal(raw, &set); err != nil {
		t.Fatalf("jwks unmarshal: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(set.Keys))
	}

	for _, k := range set.Keys {
		if k.KID == "" || k.Use != "sig" {
			t.Fatalf("malformed jwk: %+v", k)
		}
		switch k.Kty {
		case "OKP":
			if k.Crv != "Ed25519" || k.X == "" {
				t.Fatalf("malformed OKP jwk: %+v", k)
			}
		case "RSA":
			if k.N == "" || k.E == "" {
				t.Fatalf("malformed RSA jwk: %+v", k)
			}
		default:
			t.Fatalf("unexpected kty %q", k.Kty)
		}
	}
}
