package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/credential"
	"github.com/kadmos-io/authkit/csrf"
	"github.com/kadmos-io/authkit/internal/audit"
	"github.com/kadmos-io/authkit/internal/metrics"
	"github.com/kadmos-io/authkit/jwt"
	"github.com/kadmos-io/authkit/keystore"
	"github.com/kadmos-io/authkit/oauth"
	"github.com/kadmos-io/authkit/refresh"
	"github.com/kadmos-io/authkit/session"
)

// Engine is the assembled authentication toolkit. All dependencies are
// injected at Build time; the engine holds no hidden globals.
type Engine struct {
	config Config
	store  Store
	logger *zap.Logger

	keys     *keystore.Manager
	hasher   credential.Hasher
	sessions *session.Manager
	jwt      *jwt.Manager
	rotator  *refresh.Rotator
	guard    *csrf.Guard
	oauth    *oauth.Orchestrator
	strategy SessionStrategy

	audit   *audit.Dispatcher
	metrics *metrics.Metrics
}

// Close drains the audit dispatcher. Call it on shutdown.
func (e *Engine) Close() {
	e.audit.Close()
}

// AuditDropped reports audit events discarded under backpressure.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// MetricsSnapshot returns a consistent copy of all counters.
func (e *Engine) MetricsSnapshot() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// Keystore exposes the signing keystore for persistence and JWKS
// serving.
func (e *Engine) Keystore() *keystore.Manager {
	return e.keys
}

// RotateSigningKey generates a fresh active key; previous keys stay
// available for verification per Keys.Retention.
func (e *Engine) RotateSigningKey() (*keystore.Key, error) {
	key, err := e.keys.GenerateKey(e.config.Keys.Algorithm)
	if err != nil {
		return nil, err
	}
	e.emitAudit(context.Background(), audit.Event{
		EventType: audit.EventKeyRotated,
		Success:   true,
		Metadata:  map[string]string{"kid": key.KID},
	})
	return key, nil
}

// PublicJWKS exports the verification keys as a JWK set.
func (e *Engine) PublicJWKS() (*keystore.JWKS, error) {
	return e.keys.PublicJWKS()
}

// Register creates an account with a hashed credential and signs the
// user in.
func (e *Engine) Register(ctx context.Context, email, password string, meta ClientMeta) (*User, *Credentials, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, nil, fmt.Errorf("%w: empty email", autherr.ErrCredentialInvalid)
	}

	digest, err := e.hasher.Hash(password)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: digest,
		Role:         e.config.Verification.DefaultUserRole,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		return nil, nil, err
	}

	creds, err := e.strategy.Issue(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}

	e.metrics.Inc(metrics.MetricRegisterSuccess)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventRegister,
		UserID:    user.ID,
		SessionID: creds.SessionID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
	})
	return user, creds, nil
}

// Login verifies the credential and issues authenticated state through
// the configured strategy. Wrong password and unknown user collapse
// into the same ErrCredentialInvalid.
func (e *Engine) Login(ctx context.Context, email, password string, meta ClientMeta) (*Credentials, error) {
	user, err := e.store.FindUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, autherr.ErrUserNotFound) {
			e.failLogin(ctx, "", meta, autherr.ErrCredentialInvalid)
			return nil, autherr.ErrCredentialInvalid
		}
		return nil, err
	}

	ok, err := e.hasher.Verify(user.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.failLogin(ctx, user.ID, meta, autherr.ErrCredentialInvalid)
		return nil, autherr.ErrCredentialInvalid
	}

	e.maybeUpgradeHash(ctx, user, password)

	creds, err := e.strategy.Issue(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(metrics.MetricLoginSuccess)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventLogin,
		UserID:    user.ID,
		SessionID: creds.SessionID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
	})
	return creds, nil
}

// Logout revokes the presented credential: the session id under the
// database strategy, the refresh token under the JWT strategy.
// Idempotent.
func (e *Engine) Logout(ctx context.Context, presented string) error {
	if err := e.strategy.Revoke(ctx, presented); err != nil {
		return err
	}
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventLogout,
		Success:   true,
	})
	return nil
}

// Authenticate verifies the presented credential and returns the
// caller's identity.
func (e *Engine) Authenticate(ctx context.Context, presented string) (*Identity, error) {
	return e.strategy.Verify(ctx, presented)
}

// Refresh redeems a refresh token for a fresh token pair. Replay of a
// spent token revokes the whole family. JWT strategy only.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*Credentials, error) {
	if e.rotator == nil {
		return nil, errors.New("refresh requires the JWT strategy")
	}

	res, err := e.rotator.Rotate(ctx, refreshToken, refresh.Meta{
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	if err != nil {
		e.metrics.Inc(metrics.MetricRefreshFailure)
		if errors.Is(err, autherr.ErrTokenReuseDetected) {
			e.metrics.Inc(metrics.MetricRefreshReuseDetected)
			e.metrics.Inc(metrics.MetricFamilyRevoked)
			e.emitAudit(ctx, audit.Event{
				EventType: audit.EventReuseDetected,
				IP:        meta.IP,
				UserAgent: meta.UserAgent,
				Error:     err.Error(),
			})
		}
		return nil, err
	}

	e.metrics.Inc(metrics.MetricRefreshSuccess)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventRefreshRotated,
		UserID:    res.Record.UserID,
		SessionID: res.Record.SessionID,
		FamilyID:  res.Record.FamilyID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
	})
	return &Credentials{
		SessionID:    res.Record.SessionID,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    time.Now().Add(e.jwt.AccessTTL()),
	}, nil
}

// RevokeTokenFamily invalidates a refresh token family by id, e.g. from
// an admin console after a reported theft.
func (e *Engine) RevokeTokenFamily(ctx context.Context, familyID string) error {
	if e.rotator == nil {
		return errors.New("token families require the JWT strategy")
	}
	if err := e.rotator.RevokeFamily(ctx, familyID); err != nil {
		return err
	}
	e.metrics.Inc(metrics.MetricFamilyRevoked)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventFamilyRevoked,
		FamilyID:  familyID,
		Success:   true,
	})
	return nil
}

// TokenFamily returns the full lineage of a refresh token family.
func (e *Engine) TokenFamily(ctx context.Context, familyID string) ([]*RefreshTokenRecord, error) {
	if e.rotator == nil {
		return nil, errors.New("token families require the JWT strategy")
	}
	return e.rotator.GetFamily(ctx, familyID)
}

// CleanupExpiredTokens removes refresh records past their expiry.
// Intended for a periodic job.
func (e *Engine) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	if e.rotator == nil {
		return 0, nil
	}
	removed, err := e.rotator.CleanupExpired(ctx, time.Time{})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.metrics.Add(metrics.MetricCleanupRemoved, uint64(removed))
		e.emitAudit(ctx, audit.Event{
			EventType: audit.EventCleanupExpired,
			Success:   true,
			Metadata:  map[string]string{"removed": fmt.Sprint(removed)},
		})
	}
	return removed, nil
}

// CSRFToken mints a double-submit token and its Set-Cookie directive.
func (e *Engine) CSRFToken() (*csrf.Token, error) {
	return e.guard.IssueToken()
}

// ValidateCSRF compares the cookie and header copies of the
// double-submit token.
func (e *Engine) ValidateCSRF(ctx context.Context, cookieToken, headerToken string) error {
	if err := e.guard.ValidateDoubleSubmit(cookieToken, headerToken); err != nil {
		e.metrics.Inc(metrics.MetricCSRFRejected)
		e.emitAudit(ctx, audit.Event{
			EventType: audit.EventCSRFRejected,
			Error:     err.Error(),
		})
		return err
	}
	return nil
}

func (e *Engine) failLogin(ctx context.Context, userID string, meta ClientMeta, cause error) {
	e.metrics.Inc(metrics.MetricLoginFailure)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventLoginFailed,
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Error:     cause.Error(),
	})
}

// maybeUpgradeHash rehashes the credential when the stored digest was
// produced with weaker parameters. Failures only cost the upgrade.
func (e *Engine) maybeUpgradeHash(ctx context.Context, user *User, password string) {
	up, ok := e.hasher.(credential.Upgrader)
	if !ok {
		return
	}
	needs, err := up.NeedsUpgrade(user.PasswordHash)
	if err != nil || !needs {
		return
	}

	digest, err := e.hasher.Hash(password)
	if err != nil {
		return
	}
	user.PasswordHash = digest
	user.UpdatedAt = time.Now()
	if err := e.store.UpdateUser(ctx, user); err != nil {
		e.logger.Warn("credential upgrade not persisted", zap.Error(err))
	}
}

func (e *Engine) emitAudit(ctx context.Context, event audit.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.audit.Emit(ctx, event)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
