// Package secret generates and encodes the opaque secrets carried by
// refresh and verification tokens. Only the SHA-256 hash of a secret is
// ever persisted; the raw value exists in the issuance response and
// nowhere else.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const (
	idSize     = 16
	secretSize = 32
	rawSize    = idSize + secretSize
)

// NewID returns a 16-byte random identifier, base64url encoded without
// padding.
func NewID() (string, error) {
	var id [idSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(id[:]), nil
}

// NewOpaque mints a fresh opaque token bound to id. The returned token
// is base64url(id || 32 random bytes); hash is the hex-free base64url
// SHA-256 fingerprint of the full raw value, suitable for storage and
// lookup.
func NewOpaque(id string) (token string, hash string, err error) {
	rawID, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil || len(rawID) != idSize {
		return "", "", errors.New("invalid opaque token id")
	}

	var raw [rawSize]byte
	copy(raw[:idSize], rawID)
	if _, err := rand.Read(raw[idSize:]); err != nil {
		return "", "", err
	}

	sum := sha256.Sum256(raw[:])
	return base64.RawURLEncoding.EncodeToString(raw[:]),
		base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// Hash fingerprints a presented opaque token. Malformed input still
// hashes; lookup simply misses, which keeps the failure path uniform.
func Hash(token string) string {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		raw = []byte(token)
	}
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// IDFromToken extracts the embedded identifier from an opaque token.
func IDFromToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	if len(raw) != rawSize {
		return "", errors.New("invalid opaque token size")
	}
	return base64.RawURLEncoding.EncodeToString(raw[:idSize]), nil
}
