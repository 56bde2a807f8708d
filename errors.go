package authkit

import "github.com/kadmos-io/authkit/autherr"

// The closed error taxonomy, re-exported for callers. Every failure the
// engine surfaces matches exactly one of these with errors.Is.
var (
	// ErrTokenInvalid covers malformed, unknown, or unverifiable tokens.
	ErrTokenInvalid = autherr.ErrTokenInvalid
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = autherr.ErrTokenExpired
	// ErrTokenReuseDetected means an already-rotated refresh token was
	// presented again; the entire family is revoked and the caller must
	// fully re-authenticate. Not recoverable by retrying.
	ErrTokenReuseDetected = autherr.ErrTokenReuseDetected
	// ErrTokenRevoked means the presented token's family was revoked.
	ErrTokenRevoked = autherr.ErrTokenRevoked
	// ErrKeyNotFound means a token names an unknown signing key.
	ErrKeyNotFound = autherr.ErrKeyNotFound
	// ErrKeyNotConfigured means the keystore holds no active key.
	ErrKeyNotConfigured = autherr.ErrKeyNotConfigured
	// ErrSessionNotFound covers absent and expired sessions alike.
	ErrSessionNotFound = autherr.ErrSessionNotFound
	// ErrIssuerMismatch is returned on an iss claim mismatch.
	ErrIssuerMismatch = autherr.ErrIssuerMismatch
	// ErrAudienceMismatch is returned on an aud claim mismatch.
	ErrAudienceMismatch = autherr.ErrAudienceMismatch
	// ErrStateMismatch means the OAuth state failed validation. It is
	// surfaced as a generic authentication failure to end users.
	ErrStateMismatch = autherr.ErrStateMismatch
	// ErrProvider means the OAuth provider's token endpoint failed.
	ErrProvider = autherr.ErrProvider
	// ErrProfileFetch means the provider profile could not be resolved.
	ErrProfileFetch = autherr.ErrProfileFetch
	// ErrCredentialInvalid covers failed logins.
	ErrCredentialInvalid = autherr.ErrCredentialInvalid
	// ErrCSRFTokenMismatch is returned by the double-submit guard.
	ErrCSRFTokenMismatch = autherr.ErrCSRFTokenMismatch
	// ErrUserNotFound is returned for absent users.
	ErrUserNotFound = autherr.ErrUserNotFound
	// ErrStorageUniqueViolation maps unique-constraint failures.
	ErrStorageUniqueViolation = autherr.ErrStorageUniqueViolation
	// ErrStorageConnection maps transient backend connectivity failures.
	ErrStorageConnection = autherr.ErrStorageConnection
)
