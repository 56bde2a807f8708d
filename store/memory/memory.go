// Package memory is the in-memory storage adapter: the reference
// implementation of the adapter semantics and the backing store for the
// test suites. A single mutex stands in for the transactional
// discipline real backends provide; rotation remains a conditional
// write under that lock, so racing rotations observe the same
// already-rotated outcome as against shared storage.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kadmos-io/authkit"
	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/refresh"
	"github.com/kadmos-io/authkit/session"
)

// Store implements the full authkit.Store surface.
type Store struct {
	mu sync.Mutex

	sessions      map[string]*session.Session
	tokensByHash  map[string]*refresh.Record
	tokensByJTI   map[string]*refresh.Record
	families      map[string][]*refresh.Record
	usersByID     map[string]*authkit.User
	usersByEmail  map[string]*authkit.User
	providerLinks map[string]string // provider + "\x00" + accountID -> userID
	verifications map[string]*authkit.VerificationToken
}

var _ authkit.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions:      map[string]*session.Session{},
		tokensByHash:  map[string]*refresh.Record{},
		tokensByJTI:   map[string]*refresh.Record{},
		families:      map[string][]*refresh.Record{},
		usersByID:     map[string]*authkit.User{},
		usersByEmail:  map[string]*authkit.User{},
		providerLinks: map[string]string{},
		verifications: map[string]*authkit.VerificationToken{},
	}
}

// ---- session.Store ----

func (s *Store) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, autherr.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ExtendSession(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return autherr.ErrSessionNotFound
	}
	if expiresAt.After(sess.ExpiresAt) {
		sess.ExpiresAt = expiresAt
	}
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// ---- refresh.TokenStore ----

func (s *Store) SaveToken(_ context.Context, rec *refresh.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.tokensByHash[rec.TokenHash]; dup {
		return autherr.ErrStorageUniqueViolation
	}
	if _, dup := s.tokensByJTI[rec.JTI]; dup {
		return autherr.ErrStorageUniqueViolation
	}

	cp := *rec
	s.tokensByHash[cp.TokenHash] = &cp
	s.tokensByJTI[cp.JTI] = &cp
	s.families[cp.FamilyID] = append(s.families[cp.FamilyID], &cp)
	return nil
}

func (s *Store) FindTokenByHash(_ context.Context, tokenHash string) (*refresh.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokensByHash[tokenHash]
	if !ok {
		return nil, autherr.ErrTokenInvalid
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) RotateToken(_ context.Context, parentJTI string, rotatedAt time.Time, child *refresh.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.tokensByJTI[parentJTI]
	if !ok {
		return autherr.ErrTokenInvalid
	}
	if parent.RevokedAt != nil {
		return autherr.ErrTokenRevoked
	}
	if parent.RotatedAt != nil {
		return autherr.ErrTokenReuseDetected
	}
	if _, dup := s.tokensByHash[child.TokenHash]; dup {
		return autherr.ErrStorageUniqueViolation
	}

	at := rotatedAt
	parent.RotatedAt = &at

	cp := *child
	s.tokensByHash[cp.TokenHash] = &cp
	s.tokensByJTI[cp.JTI] = &cp
	s.families[cp.FamilyID] = append(s.families[cp.FamilyID], &cp)
	return nil
}

func (s *Store) RevokeFamily(_ context.Context, familyID string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.families[familyID] {
		if rec.RevokedAt == nil {
			at := revokedAt
			rec.RevokedAt = &at
		}
	}
	return nil
}

func (s *Store) IsFamilyRevoked(_ context.Context, familyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.families[familyID] {
		if rec.RevokedAt != nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetFamily(_ context.Context, familyID string) ([]*refresh.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.families[familyID]
	out := make([]*refresh.Record, 0, len(members))
	for _, rec := range members {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) CleanupExpiredTokens(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for hash, rec := range s.tokensByHash {
		if rec.ExpiresAt.Before(before) {
			delete(s.tokensByHash, hash)
			delete(s.tokensByJTI, rec.JTI)
			s.families[rec.FamilyID] = removeRecord(s.families[rec.FamilyID], rec.JTI)
			if len(s.families[rec.FamilyID]) == 0 {
				delete(s.families, rec.FamilyID)
			}
			removed++
		}
	}
	return removed, nil
}

func removeRecord(members []*refresh.Record, jti string) []*refresh.Record {
	out := members[:0]
	for _, rec := range members {
		if rec.JTI != jti {
			out = append(out, rec)
		}
	}
	return out
}

// ---- authkit.UserStore ----

func (s *Store) FindUserByID(_ context.Context, id string) (*authkit.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByID[id]
	if !ok {
		return nil, autherr.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*authkit.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByEmail[email]
	if !ok {
		return nil, autherr.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CreateUser(_ context.Context, u *authkit.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.usersByEmail[u.Email]; dup {
		return autherr.ErrStorageUniqueViolation
	}
	if _, dup := s.usersByID[u.ID]; dup {
		return autherr.ErrStorageUniqueViolation
	}

	cp := *u
	s.usersByID[cp.ID] = &cp
	s.usersByEmail[cp.Email] = &cp
	return nil
}

func (s *Store) UpdateUser(_ context.Context, u *authkit.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.usersByID[u.ID]
	if !ok {
		return autherr.ErrUserNotFound
	}
	if old.Email != u.Email {
		if _, dup := s.usersByEmail[u.Email]; dup {
			return autherr.ErrStorageUniqueViolation
		}
		delete(s.usersByEmail, old.Email)
	}

	cp := *u
	s.usersByID[cp.ID] = &cp
	s.usersByEmail[cp.Email] = &cp
	return nil
}

func (s *Store) FindUserByProviderAccount(_ context.Context, provider, providerAccountID string) (*authkit.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.providerLinks[linkKey(provider, providerAccountID)]
	if !ok {
		return nil, autherr.ErrUserNotFound
	}
	u, ok := s.usersByID[userID]
	if !ok {
		return nil, autherr.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) LinkProviderAccount(_ context.Context, link *authkit.ProviderAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(link.Provider, link.ProviderAccountID)
	if existing, ok := s.providerLinks[key]; ok && existing != link.UserID {
		return autherr.ErrStorageUniqueViolation
	}
	s.providerLinks[key] = link.UserID
	return nil
}

func linkKey(provider, accountID string) string {
	return provider + "\x00" + accountID
}

// ---- authkit.VerificationTokenStore ----

func (s *Store) CreateVerificationToken(_ context.Context, t *authkit.VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.verifications[t.SecretHash]; dup {
		return autherr.ErrStorageUniqueViolation
	}
	cp := *t
	s.verifications[cp.SecretHash] = &cp
	return nil
}

func (s *Store) ConsumeVerificationToken(_ context.Context, secretHash string) (*authkit.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.verifications[secretHash]
	if !ok {
		return nil, autherr.ErrTokenInvalid
	}
	delete(s.verifications, secretHash)
	cp := *t
	return &cp, nil
}
