package authkit

import (
	"context"
	"time"

	"github.com/kadmos-io/authkit/internal/audit"
	"github.com/kadmos-io/authkit/refresh"
	"github.com/kadmos-io/authkit/session"
)

// User is the account record the engine operates on. Role and OrgID
// pass through into access-token claims untyped; role/permission
// modeling is the caller's concern.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	Role          string
	OrgID         string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProviderAccount links a local user to a federated identity.
type ProviderAccount struct {
	UserID            string
	Provider          string
	ProviderAccountID string
	CreatedAt         time.Time
}

// VerificationPurpose scopes a verification token to one flow.
type VerificationPurpose string

const (
	PurposePasswordReset     VerificationPurpose = "password_reset"
	PurposeEmailVerification VerificationPurpose = "email_verification"
)

// VerificationToken is a single-use, hashed-at-rest secret for password
// reset and email verification flows.
type VerificationToken struct {
	ID         string
	UserID     string
	Purpose    VerificationPurpose
	SecretHash string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Session re-exports the session record for callers of the engine.
type Session = session.Session

// RefreshTokenRecord re-exports the refresh token record.
type RefreshTokenRecord = refresh.Record

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = audit.Event

// AuditSink receives AuditEvent values from the engine's dispatcher.
type AuditSink = audit.Sink

// NoOpSink is an AuditSink that silently discards all events.
type NoOpSink = audit.NoOpSink

// ChannelSink is a buffered channel-based AuditSink.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes JSON-encoded audit events, one per line.
type JSONWriterSink = audit.JSONWriterSink

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// UserStore is the persistence boundary for accounts and their linked
// provider identities.
type UserStore interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	// CreateUser fails with ErrStorageUniqueViolation on a duplicate
	// email.
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
	FindUserByProviderAccount(ctx context.Context, provider, providerAccountID string) (*User, error)
	LinkProviderAccount(ctx context.Context, link *ProviderAccount) error
}

// VerificationTokenStore persists single-use verification tokens.
type VerificationTokenStore interface {
	CreateVerificationToken(ctx context.Context, t *VerificationToken) error
	// ConsumeVerificationToken removes and returns the token matching
	// secretHash, exactly once; a second consume fails with
	// ErrTokenInvalid.
	ConsumeVerificationToken(ctx context.Context, secretHash string) (*VerificationToken, error)
}

// Store is the full storage adapter boundary. The engine depends on
// nothing below this interface; persistence semantics are the
// adapter's concern.
type Store interface {
	session.Store
	refresh.TokenStore
	UserStore
	VerificationTokenStore
}

// ClientMeta carries request attribution (best effort, caller-supplied).
type ClientMeta struct {
	IP        string
	UserAgent string
}

// Credentials is the authenticated state issued to a caller: an opaque
// session id under the database strategy, or an access+refresh token
// pair under the JWT strategy.
type Credentials struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Identity is the result of verifying presented credentials.
type Identity struct {
	UserID    string
	SessionID string
	Role      string
	OrgID     string
}

// SessionStrategy abstracts how authenticated state is materialized,
// verified, and revoked. The concrete strategy is selected once at
// Build time, never per request.
type SessionStrategy interface {
	// Issue materializes authenticated state for user.
	Issue(ctx context.Context, user *User, meta ClientMeta) (*Credentials, error)
	// Verify authenticates a presented credential: a session id under
	// the database strategy, an access token under the JWT strategy.
	Verify(ctx context.Context, presented string) (*Identity, error)
	// Revoke tears the state down: destroys the session, or revokes
	// the refresh token family. Idempotent.
	Revoke(ctx context.Context, presented string) error
}
