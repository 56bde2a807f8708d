// Package credential defines the password hashing contract and the
// default argon2id implementation. Digests are PHC-formatted and tagged
// with their algorithm id so multiple algorithms can coexist during a
// migration; verification dispatches on the tag, never on assumption.
package credential

import (
	"errors"
	"strings"
)

// Hasher is the pluggable password hash/verify contract.
type Hasher interface {
	// Hash returns an algorithm-tagged digest of secret.
	Hash(secret string) (string, error)
	// Verify reports whether secret matches the tagged digest.
	Verify(digest, secret string) (bool, error)
	// Algorithm returns the tag this hasher writes (e.g. "argon2id").
	Algorithm() string
}

// Upgrader is implemented by hashers that can detect digests produced
// with weaker parameters than currently configured.
type Upgrader interface {
	NeedsUpgrade(digest string) (bool, error)
}

// ErrUnknownAlgorithm is returned when a digest's tag matches no
// registered hasher.
var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Registry dispatches verification on the digest's algorithm tag. New
// hashes always use the primary hasher.
type Registry struct {
	primary Hasher
	byAlg   map[string]Hasher
}

// NewRegistry builds a registry with primary as the hashing algorithm
// and extra as verification-only algorithms kept for migration.
func NewRegistry(primary Hasher, extra ...Hasher) (*Registry, error) {
	if primary == nil {
		return nil, errors.New("primary hasher required")
	}
	r := &Registry{
		primary: primary,
		byAlg:   map[string]Hasher{primary.Algorithm(): primary},
	}
	for _, h := range extra {
		if _, dup := r.byAlg[h.Algorithm()]; dup {
			return nil, errors.New("duplicate hasher algorithm " + h.Algorithm())
		}
		r.byAlg[h.Algorithm()] = h
	}
	return r, nil
}

func (r *Registry) Hash(secret string) (string, error) {
	return r.primary.Hash(secret)
}

func (r *Registry) Verify(digest, secret string) (bool, error) {
	h, ok := r.byAlg[digestAlgorithm(digest)]
	if !ok {
		return false, ErrUnknownAlgorithm
	}
	return h.Verify(digest, secret)
}

func (r *Registry) Algorithm() string {
	return r.primary.Algorithm()
}

// NeedsUpgrade reports whether digest should be re-hashed: either it
// was produced by a non-primary algorithm, or the primary hasher now
// runs with stronger parameters.
func (r *Registry) NeedsUpgrade(digest string) (bool, error) {
	alg := digestAlgorithm(digest)
	if alg != r.primary.Algorithm() {
		return true, nil
	}
	if up, ok := r.primary.(Upgrader); ok {
		return up.NeedsUpgrade(digest)
	}
	return false, nil
}

// digestAlgorithm extracts the PHC algorithm tag ("$argon2id$…").
func digestAlgorithm(digest string) string {
	parts := strings.SplitN(digest, "$", 3)
	if len(parts) < 2 || parts[0] != "" {
		return ""
	}
	return parts[1]
}
