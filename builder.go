package authkit

import (
	"errors"

	"go.uber.org/zap"

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

// Builder assembles an Engine. Configure it during initialization,
// call Build once, and treat the result as immutable.
type Builder struct {
	config Config

	store     Store
	logger    *zap.Logger
	auditSink AuditSink
	keys      *keystore.Manager
	hasher    credential.Hasher
	providers []*oauth.Provider

	built bool
}

func New() *Builder {
	return &Builder{config: defaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the storage adapter. Required.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithKeystore installs a pre-populated signing keystore. Without it
// the engine creates its own; set Keys.GenerateOnBuild to seed a key.
func (b *Builder) WithKeystore(keys *keystore.Manager) *Builder {
	b.keys = keys
	return b
}

// WithHasher overrides the credential hasher. Defaults to argon2id
// with the parameters from Config.Password.
func (b *Builder) WithHasher(h credential.Hasher) *Builder {
	b.hasher = h
	return b
}

// WithProvider registers an OAuth provider. May be called repeatedly.
func (b *Builder) WithProvider(p *oauth.Provider) *Builder {
	b.providers = append(b.providers, p)
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.store == nil {
		return nil, errors.New("storage adapter required")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	keys := b.keys
	if keys == nil {
		keys = keystore.NewManager(keystore.Config{
			Retention: cfg.Keys.Retention,
			Logger:    logger,
		})
	}
	if cfg.Keys.GenerateOnBuild {
		if _, err := keys.GenerateKey(cfg.Keys.Algorithm); err != nil {
			return nil, err
		}
	}

	hasher := b.hasher
	if hasher == nil {
		argon, err := credential.NewArgon2(credential.Argon2Config{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		})
		if err != nil {
			return nil, err
		}
		registry, err := credential.NewRegistry(argon)
		if err != nil {
			return nil, err
		}
		hasher = registry
	}

	sessions, err := session.NewManager(b.store, session.Config{
		TTL:     cfg.Session.TTL,
		Rolling: cfg.Session.Rolling,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL: cfg.JWT.AccessTTL,
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		Leeway:    cfg.JWT.Leeway,
	}, keys)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   cfg,
		store:    b.store,
		logger:   logger,
		keys:     keys,
		hasher:   hasher,
		sessions: sessions,
		jwt:      jwtManager,
		guard: csrf.NewGuard(csrf.Config{
			CookieName: cfg.CSRF.CookieName,
			Path:       cfg.CSRF.Path,
			Secure:     cfg.CSRF.Secure,
			MaxAge:     int(cfg.CSRF.MaxAge.Seconds()),
		}),
		audit: audit.NewDispatcher(audit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
		metrics: metrics.New(metrics.Config{Enabled: cfg.Metrics.Enabled}),
	}

	switch cfg.Strategy {
	case StrategyDatabase:
		engine.strategy = &databaseStrategy{engine: engine}
	case StrategyJWT:
		js := &jwtStrategy{engine: engine}
		rotator, err := refresh.NewRotator(b.store, js, refresh.Config{
			TTL:    cfg.Refresh.TTL,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		engine.rotator = rotator
		engine.strategy = js
	}

	if len(b.providers) > 0 {
		orch, err := oauth.NewOrchestrator(oauth.Config{
			StateSecret:   cfg.OAuth.StateSecret,
			StateTTL:      cfg.OAuth.StateTTL,
			CookieName:    cfg.OAuth.CookieName,
			SecureCookies: cfg.OAuth.SecureCookies,
			Logger:        logger,
		}, &storeDirectory{engine: engine}, b.providers...)
		if err != nil {
			return nil, err
		}
		engine.oauth = orch
	}

	b.built = true
	return engine, nil
}
