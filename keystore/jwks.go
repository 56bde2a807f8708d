package keystore

import (
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is one public verification key in the exported key set.
type JWK struct {
	KID string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKS is the public key-set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWKS collects the active and previous public keys into a JWKS
// document for external verifiers. Private key material never appears;
// callers serving the set marshal it as-is.
func (m *Manager) PublicJWKS() (*JWKS, error) {
	keys := m.VerificationKeys()

	set := &JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		jwk, err := publicJWK(k)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, jwk)
	}

	return set, nil
}

func publicJWK(k *Key) (JWK, error) {
	jwk := JWK{
		KID: k.KID,
		Alg: string(k.Alg),
		Use: "sig",
	}

	switch pub := k.Public.(type) {
	case ed25519.PublicKey:
		jwk.Kty = "OKP"
		jwk.Crv = "Ed25519"
		jwk.X = base64.RawURLEncoding.EncodeToString(pub)
	case *rsa.PublicKey:
		jwk.Kty = "RSA"
		jwk.N = base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
		jwk.E = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	default:
		return JWK{}, fmt.Errorf("unsupported public key type %T", k.Public)
	}

	return jwk, nil
}
