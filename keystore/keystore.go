// Package keystore owns the signing key lifecycle: exactly one active
// key used for new signatures plus a bounded, ordered list of previous
// keys retained for verification during the rotation grace window.
package keystore

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kadmos-io/authkit/autherr"
)

// Algorithm selects the key type and JWT signing algorithm.
type Algorithm string

const (
	// AlgEdDSA is the default: Ed25519 keys, compact and fast.
	AlgEdDSA Algorithm = "EdDSA"
	// AlgRS256 is kept for verifiers that cannot consume OKP keys.
	AlgRS256 Algorithm = "RS256"
)

const rsaKeyBits = 2048

// Key is one signing key pair. Private is nil on verification-only
// copies handed to external callers.
type Key struct {
	KID       string
	Alg       Algorithm
	Private   crypto.Signer
	Public    crypto.PublicKey
	CreatedAt time.Time
}

// Config controls rotation retention.
type Config struct {
	// Retention caps the previous-keys list; the oldest entry is
	// pruned once the cap is exceeded. Zero means no previous keys
	// are retained and rotation immediately invalidates old tokens.
	Retention int
	Logger    *zap.Logger
}

// Manager holds the active key and the retained previous keys.
// Rotation is an administrative, infrequent operation; a RWMutex is
// sufficient because key state is per-instance configuration, not
// shared storage.
type Manager struct {
	mu        sync.RWMutex
	active    *Key
	previous  []*Key // newest first
	retention int
	logger    *zap.Logger
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	return &Manager{
		retention: cfg.Retention,
		logger:    logger,
	}
}

// GenerateKey creates a fresh key pair, demotes the current active key
// to the head of the previous list, prunes past the retention cap, and
// installs the new key as active.
func (m *Manager) GenerateKey(alg Algorithm) (*Key, error) {
	key, err := newKey(alg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.previous = append([]*Key{m.active}, m.previous...)
		if len(m.previous) > m.retention {
			pruned := m.previous[m.retention:]
			m.previous = m.previous[:m.retention]
			for _, p := range pruned {
				m.logger.Info("signing key pruned", zap.String("kid", p.KID))
			}
		}
	}
	m.active = key

	m.logger.Info("signing key rotated",
		zap.String("kid", key.KID),
		zap.String("alg", string(key.Alg)),
	)
	return key, nil
}

// ActiveKey returns the key used for new signatures. It fails with
// ErrKeyNotConfigured when no key has been generated or installed;
// that condition is fatal for the service.
func (m *Manager) ActiveKey() (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return nil, autherr.ErrKeyNotConfigured
	}
	return m.active, nil
}

// VerificationKeys returns the active key followed by the retained
// previous keys. Tokens signed before the most recent rotation verify
// against the previous entries until they are pruned.
func (m *Manager) VerificationKeys() []*Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]*Key, 0, 1+len(m.previous))
	if m.active != nil {
		keys = append(keys, m.active)
	}
	keys = append(keys, m.previous...)
	return keys
}

// VerificationKey looks up a verification key by kid among the active
// and previous keys.
func (m *Manager) VerificationKey(kid string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active != nil && m.active.KID == kid {
		return m.active, nil
	}
	for _, k := range m.previous {
		if k.KID == kid {
			return k, nil
		}
	}
	return nil, autherr.ErrKeyNotFound
}

// Install replaces the active key with externally supplied material,
// demoting any current active key. Used to seed the keystore from
// persisted keys at startup.
func (m *Manager) Install(key *Key) error {
	if key == nil || key.Private == nil {
		return fmt.Errorf("install: key material required")
	}
	if key.KID == "" {
		key.KID = newKID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	key.Public = key.Private.Public()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.previous = append([]*Key{m.active}, m.previous...)
		if len(m.previous) > m.retention {
			m.previous = m.previous[:m.retention]
		}
	}
	m.active = key
	return nil
}

func newKey(alg Algorithm) (*Key, error) {
	key := &Key{
		KID:       newKID(),
		Alg:       alg,
		CreatedAt: time.Now(),
	}

	switch alg {
	case AlgEdDSA:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		key.Private = priv
		key.Public = priv.Public()
	case AlgRS256:
		priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, err
		}
		key.Private = priv
		key.Public = priv.Public()
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	return key, nil
}

func newKID() string {
	return uuid.NewString()
}
