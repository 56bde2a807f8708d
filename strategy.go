package authkit

import (
	"context"
	"errors"
	"time"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/internal/metrics"
	"github.com/kadmos-io/authkit/internal/secret"
	"github.com/kadmos-io/authkit/jwt"
	"github.com/kadmos-io/authkit/refresh"
)

// databaseStrategy materializes authentication as a server-side
// session: the credential is the opaque session id, verified against
// the store on every check.
type databaseStrategy struct {
	engine *Engine
}

func (s *databaseStrategy) Issue(ctx context.Context, user *User, _ ClientMeta) (*Credentials, error) {
	sess, err := s.engine.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s.engine.metrics.Inc(metrics.MetricSessionCreated)
	return &Credentials{
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

func (s *databaseStrategy) Verify(ctx context.Context, presented string) (*Identity, error) {
	sess, err := s.engine.sessions.Get(ctx, presented)
	if err != nil {
		return nil, err
	}
	user, err := s.engine.store.FindUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:    user.ID,
		SessionID: sess.ID,
		Role:      user.Role,
		OrgID:     user.OrgID,
	}, nil
}

func (s *databaseStrategy) Revoke(ctx context.Context, presented string) error {
	if err := s.engine.sessions.Destroy(ctx, presented); err != nil {
		return err
	}
	s.engine.metrics.Inc(metrics.MetricSessionDestroyed)
	return nil
}

// jwtStrategy materializes authentication as a signed access token plus
// a rotating refresh token. Verification is local; revocation operates
// on the refresh family.
type jwtStrategy struct {
	engine *Engine
}

// jwtStrategy feeds the rotator's access-token minting.
var _ refresh.AccessIssuer = (*jwtStrategy)(nil)

func (s *jwtStrategy) Issue(ctx context.Context, user *User, meta ClientMeta) (*Credentials, error) {
	sess, err := s.engine.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s.engine.metrics.Inc(metrics.MetricSessionCreated)

	refreshToken, _, err := s.engine.rotator.IssueRoot(ctx, user.ID, sess.ID, refresh.Meta{
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	access, err := s.engine.jwt.IssueAccessToken(jwt.ClaimsInput{
		Subject:   user.ID,
		SessionID: sess.ID,
		OrgID:     user.OrgID,
		Role:      user.Role,
	})
	if err != nil {
		return nil, err
	}
	s.engine.metrics.Inc(metrics.MetricAccessIssued)

	return &Credentials{
		SessionID:    sess.ID,
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(s.engine.jwt.AccessTTL()),
	}, nil
}

func (s *jwtStrategy) Verify(_ context.Context, presented string) (*Identity, error) {
	claims, err := s.engine.jwt.VerifyAccessToken(presented)
	if err != nil {
		s.engine.metrics.Inc(metrics.MetricAccessVerifyFailure)
		return nil, err
	}
	return &Identity{
		UserID:    claims.Subject,
		SessionID: claims.SID,
		Role:      claims.Role,
		OrgID:     claims.Org,
	}, nil
}

// Revoke invalidates the family of the presented refresh token and
// tears down its session. Unknown tokens are a no-op, matching the
// idempotence of logout.
func (s *jwtStrategy) Revoke(ctx context.Context, presented string) error {
	rec, err := s.engine.store.FindTokenByHash(ctx, secret.Hash(presented))
	if err != nil {
		if errors.Is(err, autherr.ErrTokenInvalid) {
			return nil
		}
		return err
	}

	if err := s.engine.rotator.RevokeFamily(ctx, rec.FamilyID); err != nil {
		return err
	}
	s.engine.metrics.Inc(metrics.MetricFamilyRevoked)

	if err := s.engine.sessions.Destroy(ctx, rec.SessionID); err != nil {
		return err
	}
	s.engine.metrics.Inc(metrics.MetricSessionDestroyed)
	return nil
}

// IssueForUser resolves the user's current role and org before signing,
// so rotated access tokens pick up claim changes.
func (s *jwtStrategy) IssueForUser(ctx context.Context, userID, sessionID string) (string, error) {
	user, err := s.engine.store.FindUserByID(ctx, userID)
	if err != nil {
		return "", err
	}

	access, err := s.engine.jwt.IssueAccessToken(jwt.ClaimsInput{
		Subject:   user.ID,
		SessionID: sessionID,
		OrgID:     user.OrgID,
		Role:      user.Role,
	})
	if err != nil {
		return "", err
	}
	s.engine.metrics.Inc(metrics.MetricAccessIssued)
	return access, nil
}
