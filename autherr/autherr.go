// Package autherr defines the closed error taxonomy shared by every
// authkit component. Callers branch on these sentinels with [errors.Is];
// storage adapters map backend failures onto them at the boundary so the
// core never sees driver-specific error types.
package autherr

import "errors"

var (
	// ErrTokenInvalid covers malformed, unknown, or otherwise
	// unverifiable tokens (access, refresh, or verification).
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired is returned when a token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenReuseDetected is returned when an already-rotated refresh
	// token is presented again. It is fatal for the whole token family.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	// ErrTokenRevoked is returned when any member of the presented
	// token's family has been revoked.
	ErrTokenRevoked = errors.New("refresh token family revoked")

	// ErrKeyNotFound is returned when a token names a kid that is
	// neither the active key nor a retained previous key.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrKeyNotConfigured means the keystore holds no active key.
	// The service cannot start in this state.
	ErrKeyNotConfigured = errors.New("no signing key configured")

	// ErrSessionNotFound covers absent and expired sessions alike.
	ErrSessionNotFound = errors.New("session not found")

	// ErrIssuerMismatch is returned when a token's iss claim does not
	// match the configured issuer.
	ErrIssuerMismatch = errors.New("token issuer mismatch")
	// ErrAudienceMismatch is returned when a token's aud claim does not
	// contain the configured audience.
	ErrAudienceMismatch = errors.New("token audience mismatch")

	// ErrStateMismatch is returned when the OAuth state parameter and
	// state cookie disagree, fail HMAC verification, or have expired.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrProvider is returned when the provider's token endpoint
	// rejects or fails the code exchange.
	ErrProvider = errors.New("oauth provider error")
	// ErrProfileFetch is returned when the provider profile cannot be
	// resolved after a successful code exchange.
	ErrProfileFetch = errors.New("oauth profile fetch failed")

	// ErrCredentialInvalid covers failed password verification and
	// unknown identifiers during login.
	ErrCredentialInvalid = errors.New("invalid credentials")
	// ErrCSRFTokenMismatch is returned by the double-submit guard when
	// either token is missing or the pair is unequal.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")

	// ErrUserNotFound is returned by user stores for absent users.
	ErrUserNotFound = errors.New("user not found")
	// ErrStorageUniqueViolation maps backend unique-constraint failures.
	ErrStorageUniqueViolation = errors.New("storage unique constraint violation")
	// ErrStorageConnection maps transient backend connectivity failures.
	// The core never retries security-sensitive operations on it.
	ErrStorageConnection = errors.New("storage connection error")
)
