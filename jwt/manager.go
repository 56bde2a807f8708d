// Package jwt signs and verifies the compact access tokens. Signing
// always uses the keystore's active key and names its kid in the token
// header; verification resolves the kid among active and previous keys
// so a rotation never invalidates tokens signed moments earlier.
package jwt

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/keystore"
)

// Config tunes issuance and verification.
type Config struct {
	AccessTTL time.Duration
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// Manager is the JWT token service.
type Manager struct {
	config Config
	keys   *keystore.Manager
}

// ClaimsInput is the caller-supplied portion of an access token.
type ClaimsInput struct {
	Subject   string
	SessionID string
	OrgID     string
	Role      string
}

// AccessClaims is the verified claim set. Immutable once issued.
type AccessClaims struct {
	SID  string `json:"sid,omitempty"`
	Org  string `json:"org,omitempty"`
	Role string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

func NewManager(cfg Config, keys *keystore.Manager) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid access TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if keys == nil {
		return nil, errors.New("keystore required")
	}
	return &Manager{config: cfg, keys: keys}, nil
}

// IssueAccessToken builds claims with iat = now and exp = now +
// AccessTTL, signs with the active key, and names the key's kid in the
// header.
func (m *Manager) IssueAccessToken(in ClaimsInput) (string, error) {
	if in.Subject == "" {
		return "", errors.New("subject required")
	}

	key, err := m.keys.ActiveKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := AccessClaims{
		SID:  in.SessionID,
		Org:  in.OrgID,
		Role: in.Role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   in.Subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwtlib.ClaimStrings{m.config.Audience}
	}

	token := jwtlib.NewWithClaims(signingMethod(key.Alg), claims)
	token.Header["kid"] = key.KID

	return token.SignedString(signKey(key))
}

// VerifyAccessToken parses the token header to find the kid, resolves
// it among active+previous keys, and verifies signature, expiry with
// the configured leeway, and issuer/audience when configured. It never
// mutates state.
func (m *Manager) VerifyAccessToken(tokenStr string) (*AccessClaims, error) {
	options := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{
			jwtlib.SigningMethodEdDSA.Alg(),
			jwtlib.SigningMethodRS256.Alg(),
		}),
		jwtlib.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwtlib.WithLeeway(m.config.Leeway))
	}

	parser := jwtlib.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, autherr.ErrKeyNotFound
		}
		key, err := m.keys.VerificationKey(kid)
		if err != nil {
			return nil, err
		}
		return key.Public, nil
	})
	if err != nil {
		return nil, mapParseError(err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, autherr.ErrTokenInvalid
	}

	if m.config.Issuer != "" && claims.Issuer != m.config.Issuer {
		return nil, autherr.ErrIssuerMismatch
	}
	if m.config.Audience != "" {
		aud := false
		for _, a := range claims.Audience {
			if a == m.config.Audience {
				aud = true
				break
			}
		}
		if !aud {
			return nil, autherr.ErrAudienceMismatch
		}
	}

	return claims, nil
}

// AccessTTL reports the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration {
	return m.config.AccessTTL
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, autherr.ErrKeyNotFound):
		return autherr.ErrKeyNotFound
	case errors.Is(err, autherr.ErrKeyNotConfigured):
		return autherr.ErrKeyNotConfigured
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return autherr.ErrTokenExpired
	case errors.Is(err, jwtlib.ErrTokenNotValidYet):
		return autherr.ErrTokenInvalid
	default:
		return fmt.Errorf("%w: %v", autherr.ErrTokenInvalid, err)
	}
}

func signingMethod(alg keystore.Algorithm) jwtlib.SigningMethod {
	switch alg {
	case keystore.AlgRS256:
		return jwtlib.SigningMethodRS256
	default:
		return jwtlib.SigningMethodEdDSA
	}
}

func signKey(key *keystore.Key) interface{} {
	return key.Private
}
