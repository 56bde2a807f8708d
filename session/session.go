// Package session manages opaque server-side sessions: created on
// successful authentication, read on every authenticated request,
// destroyed on logout. Expiry is enforced lazily at read time, so an
// expired session is absent regardless of whether storage has swept it.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/internal/secret"
)

// Session is one opaque server-side session record.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store is the persistence boundary for sessions. Implementations map
// backend failures to the autherr taxonomy.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	// GetSession returns the stored record or ErrSessionNotFound. It
	// does not apply expiry; the Manager does.
	GetSession(ctx context.Context, id string) (*Session, error)
	// ExtendSession moves the expiry forward in place, same id.
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteSession is idempotent; deleting an absent id is not an error.
	DeleteSession(ctx context.Context, id string) error
}

// Config controls session lifetime and rolling renewal.
type Config struct {
	TTL time.Duration
	// Rolling extends the expiry in place once less than half the TTL
	// remains. Extension never mints a new id and only moves the
	// expiry forward.
	Rolling bool
	Logger  *zap.Logger
}

// Manager owns the session lifecycle over a Store.
type Manager struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

func NewManager(store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session TTL must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, cfg: cfg, logger: logger}, nil
}

// Create inserts a new session for userID expiring after the
// configured TTL.
func (m *Manager) Create(ctx context.Context, userID string) (*Session, error) {
	return m.CreateWithTTL(ctx, userID, m.cfg.TTL)
}

// CreateWithTTL inserts a new session with an explicit lifetime.
func (m *Manager) CreateWithTTL(ctx context.Context, userID string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		return nil, errors.New("session TTL must be positive")
	}
	id, err := secret.NewID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	m.logger.Debug("session created",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
	)
	return s, nil
}

// Get returns the session when present and unexpired, else
// ErrSessionNotFound. With rolling enabled, a read past the halfway
// point extends the expiry in place.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !now.Before(s.ExpiresAt) {
		// lazy expiry: sweep the record, report absence
		_ = m.store.DeleteSession(ctx, id)
		return nil, autherr.ErrSessionNotFound
	}

	if m.cfg.Rolling && time.Until(s.ExpiresAt) < m.cfg.TTL/2 {
		extended := now.Add(m.cfg.TTL)
		if err := m.store.ExtendSession(ctx, id, extended); err != nil {
			m.logger.Warn("rolling extension failed",
				zap.String("session_id", id),
				zap.Error(err),
			)
		} else {
			s.ExpiresAt = extended
		}
	}

	return s, nil
}

// Destroy removes the session. Destroying an absent id is not an error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	return m.store.DeleteSession(ctx, id)
}
