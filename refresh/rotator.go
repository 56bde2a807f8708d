// Package refresh implements rotation-on-use refresh tokens with
// family-based theft detection. Every redemption invalidates the
// presented token and issues a successor in the same family; a second
// redemption of any token is the canonical signal of exfiltration and
// permanently revokes the entire family.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/internal/secret"
)

// Record is one stored refresh token. Records form a singly-linked
// chain via ParentJTI within a family; the root has an empty ParentJTI.
// At most one record per family is current (neither rotated nor
// revoked) at any time.
type Record struct {
	FamilyID  string
	JTI       string
	UserID    string
	SessionID string
	TokenHash string
	ExpiresAt time.Time
	ParentJTI string
	RotatedAt *time.Time
	RevokedAt *time.Time
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// Current reports whether the record is the family's live token.
func (r *Record) Current() bool {
	return r.RotatedAt == nil && r.RevokedAt == nil
}

// TokenStore is the persistence boundary for refresh tokens. The
// rotator never assumes in-process mutual exclusion: Rotate's
// conditional write is the sole synchronization primitive, because
// multiple service instances may run against shared storage.
type TokenStore interface {
	SaveToken(ctx context.Context, rec *Record) error
	// FindTokenByHash returns ErrTokenInvalid when no record matches.
	FindTokenByHash(ctx context.Context, tokenHash string) (*Record, error)
	// RotateToken atomically marks the parent rotated and inserts the
	// child. It must only succeed while the parent is still current
	// (rotatedAt IS NULL, revokedAt IS NULL); a lost race fails with
	// ErrTokenReuseDetected, a revoked parent with ErrTokenRevoked.
	// Partial application is a correctness violation.
	RotateToken(ctx context.Context, parentJTI string, rotatedAt time.Time, child *Record) error
	// RevokeFamily sets revokedAt on every unrevoked member; idempotent.
	RevokeFamily(ctx context.Context, familyID string, revokedAt time.Time) error
	IsFamilyRevoked(ctx context.Context, familyID string) (bool, error)
	GetFamily(ctx context.Context, familyID string) ([]*Record, error)
	// CleanupExpiredTokens deletes records with expiresAt < before and
	// returns the count removed. Safe to run concurrently with
	// rotation under the store's atomic-update discipline.
	CleanupExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

// AccessIssuer mints the access token that accompanies each rotation.
// Satisfied by the engine's JWT strategy, which resolves the user's
// current role/org claims before signing.
type AccessIssuer interface {
	IssueForUser(ctx context.Context, userID, sessionID string) (string, error)
}

// Meta carries request attribution recorded on each token.
type Meta struct {
	IP        string
	UserAgent string
}

// Result is a successful rotation: the new access token and opaque
// refresh secret, plus the freshly persisted record.
type Result struct {
	AccessToken  string
	RefreshToken string
	Record       *Record
}

// Config tunes the rotator.
type Config struct {
	TTL    time.Duration
	Logger *zap.Logger
}

// Rotator drives the refresh token state machine over a TokenStore.
type Rotator struct {
	store  TokenStore
	issuer AccessIssuer
	ttl    time.Duration
	logger *zap.Logger
}

func NewRotator(store TokenStore, issuer AccessIssuer, cfg Config) (*Rotator, error) {
	if store == nil {
		return nil, errors.New("token store required")
	}
	if issuer == nil {
		return nil, errors.New("access issuer required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("refresh TTL must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{store: store, issuer: issuer, ttl: cfg.TTL, logger: logger}, nil
}

// IssueRoot mints a family root at login, registration, or OAuth
// completion. The returned opaque secret is never persisted; only its
// hash is.
func (r *Rotator) IssueRoot(ctx context.Context, userID, sessionID string, meta Meta) (string, *Record, error) {
	opaque, rec, err := r.newRecord(userID, sessionID, "", "", meta)
	if err != nil {
		return "", nil, err
	}
	if err := r.store.SaveToken(ctx, rec); err != nil {
		return "", nil, err
	}

	r.logger.Debug("refresh family created",
		zap.String("family_id", rec.FamilyID),
		zap.String("user_id", userID),
	)
	return opaque, rec, nil
}

// Rotate redeems the presented refresh token: validates it, atomically
// marks it rotated while inserting its successor, and issues a new
// access token. Presenting a once-used token again revokes the whole
// family and fails with ErrTokenReuseDetected.
func (r *Rotator) Rotate(ctx context.Context, presented string, meta Meta) (*Result, error) {
	rec, err := r.store.FindTokenByHash(ctx, secret.Hash(presented))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if rec.ExpiresAt.Before(now) {
		return nil, autherr.ErrTokenExpired
	}

	// family-wide check, independent of this record's own flags
	revoked, err := r.store.IsFamilyRevoked(ctx, rec.FamilyID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, autherr.ErrTokenRevoked
	}

	if rec.RotatedAt != nil {
		return nil, r.reuseDetected(ctx, rec)
	}

	opaque, child, err := r.newRecord(rec.UserID, rec.SessionID, rec.FamilyID, rec.JTI, meta)
	if err != nil {
		return nil, err
	}

	err = r.store.RotateToken(ctx, rec.JTI, now, child)
	switch {
	case err == nil:
	case errors.Is(err, autherr.ErrTokenReuseDetected):
		// lost the race: someone else rotated this token first. That
		// is indistinguishable from replay and treated identically.
		return nil, r.reuseDetected(ctx, rec)
	case errors.Is(err, autherr.ErrTokenRevoked):
		return nil, autherr.ErrTokenRevoked
	default:
		return nil, err
	}

	access, err := r.issuer.IssueForUser(ctx, rec.UserID, rec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	return &Result{
		AccessToken:  access,
		RefreshToken: opaque,
		Record:       child,
	}, nil
}

// Revoke invalidates the family of the presented token; idempotent.
func (r *Rotator) Revoke(ctx context.Context, presented string) error {
	rec, err := r.store.FindTokenByHash(ctx, secret.Hash(presented))
	if err != nil {
		if errors.Is(err, autherr.ErrTokenInvalid) {
			return nil
		}
		return err
	}
	return r.RevokeFamily(ctx, rec.FamilyID)
}

// RevokeFamily permanently invalidates every token in the family.
func (r *Rotator) RevokeFamily(ctx context.Context, familyID string) error {
	if err := r.store.RevokeFamily(ctx, familyID, time.Now()); err != nil {
		return err
	}
	r.logger.Info("refresh family revoked", zap.String("family_id", familyID))
	return nil
}

// IsFamilyRevoked reports whether any member of the family is revoked.
func (r *Rotator) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	return r.store.IsFamilyRevoked(ctx, familyID)
}

// GetFamily returns all records of a family for audit and debugging.
func (r *Rotator) GetFamily(ctx context.Context, familyID string) ([]*Record, error) {
	return r.store.GetFamily(ctx, familyID)
}

// CleanupExpired deletes records expired before the given time (zero
// means now) and returns the count removed.
func (r *Rotator) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		before = time.Now()
	}
	return r.store.CleanupExpiredTokens(ctx, before)
}

func (r *Rotator) reuseDetected(ctx context.Context, rec *Record) error {
	r.logger.Warn("refresh token reuse detected",
		zap.String("family_id", rec.FamilyID),
		zap.String("jti", rec.JTI),
		zap.String("user_id", rec.UserID),
	)
	if err := r.store.RevokeFamily(ctx, rec.FamilyID, time.Now()); err != nil {
		r.logger.Error("family revocation after reuse failed",
			zap.String("family_id", rec.FamilyID),
			zap.Error(err),
		)
	}
	return autherr.ErrTokenReuseDetected
}

func (r *Rotator) newRecord(userID, sessionID, familyID, parentJTI string, meta Meta) (string, *Record, error) {
	jti, err := secret.NewID()
	if err != nil {
		return "", nil, err
	}
	opaque, hash, err := secret.NewOpaque(jti)
	if err != nil {
		return "", nil, err
	}
	if familyID == "" {
		familyID = jti
	}

	now := time.Now()
	rec := &Record{
		FamilyID:  familyID,
		JTI:       jti,
		UserID:    userID,
		SessionID: sessionID,
		TokenHash: hash,
		ExpiresAt: now.Add(r.ttl),
		ParentJTI: parentJTI,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
	}
	return opaque, rec, nil
}
