package authkit

import (
	"context"
	"fmt"
	"time"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/internal/audit"
	"github.com/kadmos-io/authkit/internal/metrics"
	"github.com/kadmos-io/authkit/internal/secret"
)

// RequestPasswordReset mints a single-use reset token for the account
// behind email. The caller delivers the returned secret out of band;
// only its hash is stored. Callers who want to hide account existence
// should swallow ErrUserNotFound.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := e.store.FindUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", err
	}

	token, err := e.issueVerificationToken(ctx, user.ID, PurposePasswordReset, e.config.Verification.ResetTTL)
	if err != nil {
		return "", err
	}

	e.metrics.Inc(metrics.MetricPasswordResetRequested)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventPasswordReset,
		UserID:    user.ID,
		Success:   true,
		Metadata:  map[string]string{"phase": "requested"},
	})
	return token, nil
}

// ConfirmPasswordReset redeems a reset token and installs the new
// credential. The token is consumed even when the new password is
// rejected, matching its single-use contract.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	record, err := e.consumeVerificationToken(ctx, token, PurposePasswordReset)
	if err != nil {
		return err
	}

	digest, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	user, err := e.store.FindUserByID(ctx, record.UserID)
	if err != nil {
		return err
	}
	user.PasswordHash = digest
	user.UpdatedAt = time.Now()
	if err := e.store.UpdateUser(ctx, user); err != nil {
		return err
	}

	e.metrics.Inc(metrics.MetricPasswordResetConfirmed)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventPasswordReset,
		UserID:    user.ID,
		Success:   true,
		Metadata:  map[string]string{"phase": "confirmed"},
	})
	return nil
}

// RequestEmailVerification mints a single-use token proving control of
// the account's email address.
func (e *Engine) RequestEmailVerification(ctx context.Context, userID string) (string, error) {
	user, err := e.store.FindUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return e.issueVerificationToken(ctx, user.ID, PurposeEmailVerification, e.config.Verification.EmailVerifyTTL)
}

// ConfirmEmailVerification redeems the token and marks the account
// verified.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, token string) error {
	record, err := e.consumeVerificationToken(ctx, token, PurposeEmailVerification)
	if err != nil {
		return err
	}

	user, err := e.store.FindUserByID(ctx, record.UserID)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return nil
	}
	user.EmailVerified = true
	user.UpdatedAt = time.Now()
	if err := e.store.UpdateUser(ctx, user); err != nil {
		return err
	}

	e.metrics.Inc(metrics.MetricEmailVerified)
	e.emitAudit(ctx, audit.Event{
		EventType: audit.EventEmailVerified,
		UserID:    user.ID,
		Success:   true,
	})
	return nil
}

func (e *Engine) issueVerificationToken(ctx context.Context, userID string, purpose VerificationPurpose, ttl time.Duration) (string, error) {
	id, err := secret.NewID()
	if err != nil {
		return "", err
	}
	token, hash, err := secret.NewOpaque(id)
	if err != nil {
		return "", err
	}

	now := time.Now()
	err = e.store.CreateVerificationToken(ctx, &VerificationToken{
		ID:         id,
		UserID:     userID,
		Purpose:    purpose,
		SecretHash: hash,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (e *Engine) consumeVerificationToken(ctx context.Context, token string, purpose VerificationPurpose) (*VerificationToken, error) {
	record, err := e.store.ConsumeVerificationToken(ctx, secret.Hash(token))
	if err != nil {
		return nil, err
	}
	if record.Purpose != purpose {
		return nil, fmt.Errorf("%w: purpose mismatch", autherr.ErrTokenInvalid)
	}
	if record.ExpiresAt.Before(time.Now()) {
		return nil, autherr.ErrTokenExpired
	}
	return record, nil
}
