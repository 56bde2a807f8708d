package authkit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/internal/audit"
	"github.com/kadmos-io/authkit/internal/metrics"
	"github.com/kadmos-io/authkit/oauth"
)

// ErrOAuthNotConfigured is returned when no provider was registered at
// Build time.
var ErrOAuthNotConfigured = errors.New("no oauth providers configured")

// StartOAuth begins a federated login with the named provider.
func (e *Engine) StartOAuth(providerID, callbackURL string) (*oauth.StartResult, error) {
	if e.oauth == nil {
		return nil, ErrOAuthNotConfigured
	}
	res, err := e.oauth.Start(oauth.StartInput{
		ProviderID:  providerID,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(metrics.MetricOAuthStarted)
	e.emitAudit(context.Background(), audit.Event{
		EventType: audit.EventOAuthStarted,
		Provider:  providerID,
		Success:   true,
	})
	return res, nil
}

// StartOAuthLink begins a flow that attaches the provider identity to
// an existing signed-in user instead of resolving a login.
func (e *Engine) StartOAuthLink(providerID, callbackURL, userID string) (*oauth.StartResult, error) {
	if e.oauth == nil {
		return nil, ErrOAuthNotConfigured
	}
	return e.oauth.Start(oauth.StartInput{
		ProviderID:   providerID,
		CallbackURL:  callbackURL,
		LinkToUserID: userID,
	})
}

// CompleteOAuth finishes the callback leg: validates state, resolves
// the profile to a local user, and issues credentials through the
// configured strategy.
func (e *Engine) CompleteOAuth(ctx context.Context, in oauth.CompleteInput, meta ClientMeta) (*Credentials, *oauth.Result, error) {
	if e.oauth == nil {
		return nil, nil, ErrOAuthNotConfigured
	}

	res, err := e.oauth.Complete(ctx, in)
	if err != nil {
		e.metrics.Inc(metrics.MetricOAuthFailed)
		eventType := audit.EventOAuthFailed
		if errors.Is(err, autherr.ErrStateMismatch) {
			eventType = audit.EventStateMismatched
		}
		e.emitAudit(ctx, audit.Event{
			EventType: eventType,
			Provider:  in.ProviderID,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
			Error:     err.Error(),
		})
		return nil, nil, err
	}

	user, err := e.store.FindUserByID(ctx, res.UserID)
	if err != nil {
		return nil, nil, err
	}

	creds, err := e.strategy.Issue(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}

	e.metrics.Inc(metrics.MetricOAuthCompleted)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventOAuthCompleted,
		UserID:    user.ID,
		SessionID: creds.SessionID,
		Provider:  in.ProviderID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   true,
		Metadata: map[string]string{
			"created": boolString(res.Created),
			"linked":  boolString(res.Linked),
		},
	})
	return creds, res, nil
}

// storeDirectory adapts the engine's Store to the orchestrator's
// Directory boundary.
type storeDirectory struct {
	engine *Engine
}

func (d *storeDirectory) FindByProviderAccount(ctx context.Context, provider, providerAccountID string) (string, error) {
	user, err := d.engine.store.FindUserByProviderAccount(ctx, provider, providerAccountID)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (d *storeDirectory) FindByEmail(ctx context.Context, email string) (string, error) {
	user, err := d.engine.store.FindUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (d *storeDirectory) CreateFromProfile(ctx context.Context, provider string, profile *oauth.Profile) (string, error) {
	now := time.Now()
	user := &User{
		ID:            uuid.NewString(),
		Email:         normalizeEmail(profile.Email),
		Role:          d.engine.config.Verification.DefaultUserRole,
		EmailVerified: profile.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.engine.store.CreateUser(ctx, user); err != nil {
		return "", err
	}

	d.engine.emitAudit(ctx, audit.Event{
		EventType: audit.EventAccountCreated,
		UserID:    user.ID,
		Provider:  provider,
		Success:   true,
	})
	return user.ID, nil
}

func (d *storeDirectory) LinkAccount(ctx context.Context, userID, provider, providerAccountID string) error {
	err := d.engine.store.LinkProviderAccount(ctx, &ProviderAccount{
		UserID:            userID,
		Provider:          provider,
		ProviderAccountID: providerAccountID,
		CreatedAt:         time.Now(),
	})
	if err != nil {
		return err
	}

	d.engine.emitAudit(ctx, audit.Event{
		EventType: audit.EventAccountLinked,
		UserID:    userID,
		Provider:  provider,
		Success:   true,
	})
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
