package authkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/kadmos-io/authkit/keystore"
)

// StrategyType selects how the engine represents an authenticated
// principal.
type StrategyType int

const (
	// StrategyDatabase issues an opaque session id resolved against the
	// session store on every check.
	StrategyDatabase StrategyType = iota
	// StrategyJWT issues a signed access token plus a rotating refresh
	// token; verification is local to the keystore.
	StrategyJWT
)

// RetentionNone disables the previous-key grace window: a rotation
// immediately invalidates tokens signed by the demoted key. The zero
// value of Keys.Retention means "use the default" instead.
const RetentionNone = -1

// Config is the engine's complete configuration tree. Zero values fall
// back to the defaults from defaultConfig during Build; a zero Strategy
// selects the database strategy.
type Config struct {
	Strategy StrategyType

	JWT          JWTConfig
	Keys         KeysConfig
	Session      SessionConfig
	Refresh      RefreshConfig
	CSRF         CSRFConfig
	OAuth        OAuthConfig
	Password     PasswordConfig
	Verification VerificationConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
}

// JWTConfig governs access token issuance and verification.
type JWTConfig struct {
	AccessTTL time.Duration
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// KeysConfig governs the signing keystore.
type KeysConfig struct {
	// Algorithm for generated keys.
	Algorithm keystore.Algorithm
	// Retention is how many previous keys stay available for
	// verification after a rotation. Zero falls back to the default;
	// RetentionNone keeps no previous keys.
	Retention int
	// GenerateOnBuild creates an initial active key when none was
	// installed. Off by default: production deployments load persisted
	// keys.
	GenerateOnBuild bool
}

// SessionConfig governs server-side sessions.
type SessionConfig struct {
	TTL time.Duration
	// Rolling extends a session in place once it passes half its
	// lifetime.
	Rolling bool
}

// RefreshConfig governs the refresh token rotator.
type RefreshConfig struct {
	TTL time.Duration
}

// CSRFConfig governs the double-submit guard.
type CSRFConfig struct {
	CookieName string
	Path       string
	Secure     bool
	MaxAge     time.Duration
}

// OAuthConfig governs federated login.
type OAuthConfig struct {
	// StateSecret signs the state parameter. Required once a provider
	// is registered; at least 32 bytes.
	StateSecret   []byte
	StateTTL      time.Duration
	CookieName    string
	SecureCookies bool
}

// PasswordConfig carries argon2id parameters.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// VerificationConfig governs password reset and email verification
// tokens.
type VerificationConfig struct {
	ResetTTL        time.Duration
	EmailVerifyTTL  time.Duration
	DefaultUserRole string
}

// AuditConfig governs the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig governs the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		Strategy: StrategyJWT,
		JWT: JWTConfig{
			AccessTTL: 15 * time.Minute,
			Leeway:    30 * time.Second,
		},
		Keys: KeysConfig{
			Algorithm: keystore.AlgEdDSA,
			Retention: 2,
		},
		Session: SessionConfig{
			TTL:     24 * time.Hour,
			Rolling: true,
		},
		Refresh: RefreshConfig{
			TTL: 30 * 24 * time.Hour,
		},
		CSRF: CSRFConfig{
			CookieName: "authkit_csrf",
			Path:       "/",
			Secure:     true,
		},
		OAuth: OAuthConfig{
			StateTTL:      10 * time.Minute,
			CookieName:    "authkit_oauth_state",
			SecureCookies: true,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Verification: VerificationConfig{
			ResetTTL:        time.Hour,
			EmailVerifyTTL:  24 * time.Hour,
			DefaultUserRole: "member",
		},
		Audit: AuditConfig{
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyDefaults fills zero-valued fields from defaultConfig. Booleans
// are left alone: false is indistinguishable from unset.
func (c *Config) applyDefaults() {
	d := defaultConfig()

	if c.JWT.AccessTTL == 0 {
		c.JWT.AccessTTL = d.JWT.AccessTTL
	}
	if c.JWT.Leeway == 0 {
		c.JWT.Leeway = d.JWT.Leeway
	}
	if c.Keys.Algorithm == "" {
		c.Keys.Algorithm = d.Keys.Algorithm
	}
	switch c.Keys.Retention {
	case 0:
		c.Keys.Retention = d.Keys.Retention
	case RetentionNone:
		c.Keys.Retention = 0
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = d.Session.TTL
	}
	if c.Refresh.TTL == 0 {
		c.Refresh.TTL = d.Refresh.TTL
	}
	if c.CSRF.CookieName == "" {
		c.CSRF.CookieName = d.CSRF.CookieName
	}
	if c.CSRF.Path == "" {
		c.CSRF.Path = d.CSRF.Path
	}
	if c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = d.OAuth.StateTTL
	}
	if c.OAuth.CookieName == "" {
		c.OAuth.CookieName = d.OAuth.CookieName
	}
	if c.Password.Memory == 0 {
		c.Password.Memory = d.Password.Memory
	}
	if c.Password.Time == 0 {
		c.Password.Time = d.Password.Time
	}
	if c.Password.Parallelism == 0 {
		c.Password.Parallelism = d.Password.Parallelism
	}
	if c.Password.SaltLength == 0 {
		c.Password.SaltLength = d.Password.SaltLength
	}
	if c.Password.KeyLength == 0 {
		c.Password.KeyLength = d.Password.KeyLength
	}
	if c.Verification.ResetTTL == 0 {
		c.Verification.ResetTTL = d.Verification.ResetTTL
	}
	if c.Verification.EmailVerifyTTL == 0 {
		c.Verification.EmailVerifyTTL = d.Verification.EmailVerifyTTL
	}
	if c.Verification.DefaultUserRole == "" {
		c.Verification.DefaultUserRole = d.Verification.DefaultUserRole
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = d.Audit.BufferSize
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.OAuth.StateSecret = cloneBytes(cfg.OAuth.StateSecret)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Strategy != StrategyDatabase && c.Strategy != StrategyJWT {
		return fmt.Errorf("unknown strategy %d", c.Strategy)
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT.AccessTTL must be positive")
	}
	if c.JWT.Leeway < 0 {
		return errors.New("JWT.Leeway must not be negative")
	}
	if c.Keys.Retention < 0 {
		return errors.New("Keys.Retention must not be negative")
	}
	if c.Session.TTL <= 0 {
		return errors.New("Session.TTL must be positive")
	}
	if c.Refresh.TTL <= 0 {
		return errors.New("Refresh.TTL must be positive")
	}
	if c.Refresh.TTL < c.JWT.AccessTTL {
		return errors.New("Refresh.TTL must not be shorter than JWT.AccessTTL")
	}
	if c.Verification.ResetTTL <= 0 || c.Verification.EmailVerifyTTL <= 0 {
		return errors.New("Verification TTLs must be positive")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit.BufferSize must be positive when audit is enabled")
	}
	return nil
}
