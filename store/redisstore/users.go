package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadmos-io/authkit"
	"github.com/kadmos-io/authkit/autherr"
)

// createUserScript claims both the id and the email key or neither.
const createUserScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
return 1
`

var createUserLua = redis.NewScript(createUserScript)

const updateUserScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if ARGV[3] ~= ARGV[4] then
  if redis.call("EXISTS", KEYS[3]) == 1 then
    return 2
  end
  redis.call("DEL", KEYS[2])
  redis.call("SET", KEYS[3], ARGV[2])
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`

var updateUserLua = redis.NewScript(updateUserScript)

const consumeScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return false
end
redis.call("DEL", KEYS[1])
return data
`

var consumeLua = redis.NewScript(consumeScript)

// userBlob is the JSON wire form of a user.
type userBlob struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	PasswordHash  string `json:"password_hash,omitempty"`
	Role          string `json:"role,omitempty"`
	OrgID         string `json:"org_id,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

func encodeUser(u *authkit.User) ([]byte, error) {
	return json.Marshal(userBlob{
		ID:            u.ID,
		Email:         u.Email,
		PasswordHash:  u.PasswordHash,
		Role:          u.Role,
		OrgID:         u.OrgID,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt.Unix(),
		UpdatedAt:     u.UpdatedAt.Unix(),
	})
}

func decodeUser(data []byte) (*authkit.User, error) {
	var blob userBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &authkit.User{
		ID:            blob.ID,
		Email:         blob.Email,
		PasswordHash:  blob.PasswordHash,
		Role:          blob.Role,
		OrgID:         blob.OrgID,
		EmailVerified: blob.EmailVerified,
		CreatedAt:     time.Unix(blob.CreatedAt, 0),
		UpdatedAt:     time.Unix(blob.UpdatedAt, 0),
	}, nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*authkit.User, error) {
	data, err := s.redis.Get(ctx, s.userKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, storeErr(err)
	}
	return decodeUser(data)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*authkit.User, error) {
	id, err := s.redis.Get(ctx, s.emailKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, storeErr(err)
	}
	return s.FindUserByID(ctx, id)
}

func (s *Store) CreateUser(ctx context.Context, u *authkit.User) error {
	data, err := encodeUser(u)
	if err != nil {
		return err
	}

	created, err := createUserLua.Run(ctx, s.redis,
		[]string{s.userKey(u.ID), s.emailKey(u.Email)},
		data, u.ID,
	).Int64()
	if err != nil {
		return storeErr(err)
	}
	if created == 0 {
		return autherr.ErrStorageUniqueViolation
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, u *authkit.User) error {
	old, err := s.FindUserByID(ctx, u.ID)
	if err != nil {
		return err
	}

	data, err := encodeUser(u)
	if err != nil {
		return err
	}

	status, err := updateUserLua.Run(ctx, s.redis,
		[]string{s.userKey(u.ID), s.emailKey(old.Email), s.emailKey(u.Email)},
		data, u.ID, old.Email, u.Email,
	).Int64()
	if err != nil {
		return storeErr(err)
	}
	switch status {
	case 0:
		return autherr.ErrUserNotFound
	case 2:
		return autherr.ErrStorageUniqueViolation
	default:
		return nil
	}
}

func (s *Store) FindUserByProviderAccount(ctx context.Context, provider, providerAccountID string) (*authkit.User, error) {
	id, err := s.redis.Get(ctx, s.accountKey(provider, providerAccountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, storeErr(err)
	}
	return s.FindUserByID(ctx, id)
}

func (s *Store) LinkProviderAccount(ctx context.Context, link *authkit.ProviderAccount) error {
	key := s.accountKey(link.Provider, link.ProviderAccountID)

	existing, err := s.redis.Get(ctx, key).Result()
	if err == nil && existing != link.UserID {
		return autherr.ErrStorageUniqueViolation
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return storeErr(err)
	}

	if err := s.redis.Set(ctx, key, link.UserID, 0).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

// verifBlob is the JSON wire form of a verification token.
type verifBlob struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Purpose    string `json:"purpose"`
	SecretHash string `json:"secret_hash"`
	ExpiresAt  int64  `json:"expires_at"`
	CreatedAt  int64  `json:"created_at"`
}

func (s *Store) CreateVerificationToken(ctx context.Context, t *authkit.VerificationToken) error {
	data, err := json.Marshal(verifBlob{
		ID:         t.ID,
		UserID:     t.UserID,
		Purpose:    string(t.Purpose),
		SecretHash: t.SecretHash,
		ExpiresAt:  t.ExpiresAt.Unix(),
		CreatedAt:  t.CreatedAt.Unix(),
	})
	if err != nil {
		return err
	}

	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	ok, err := s.redis.SetNX(ctx, s.verifKey(t.SecretHash), data, ttl).Result()
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		return autherr.ErrStorageUniqueViolation
	}
	return nil
}

// ConsumeVerificationToken fetches and deletes in one script run, so a
// token can be redeemed exactly once even under concurrent attempts.
func (s *Store) ConsumeVerificationToken(ctx context.Context, secretHash string) (*authkit.VerificationToken, error) {
	data, err := consumeLua.Run(ctx, s.redis, []string{s.verifKey(secretHash)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, autherr.ErrTokenInvalid
		}
		return nil, storeErr(err)
	}

	var blob verifBlob
	if err := json.Unmarshal([]byte(data), &blob); err != nil {
		return nil, fmt.Errorf("decode verification token: %w", err)
	}
	return &authkit.VerificationToken{
		ID:         blob.ID,
		UserID:     blob.UserID,
		Purpose:    authkit.VerificationPurpose(blob.Purpose),
		SecretHash: blob.SecretHash,
		ExpiresAt:  time.Unix(blob.ExpiresAt, 0),
		CreatedAt:  time.Unix(blob.CreatedAt, 0),
	}, nil
}

var _ authkit.Store = (*Store)(nil)
