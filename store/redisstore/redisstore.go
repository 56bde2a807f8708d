// Package redisstore is the Redis storage adapter. Sessions, refresh
// token records, users, and verification tokens are stored as JSON
// values under a configurable key prefix; every multi-key mutation that
// must be atomic runs as a Lua script so the conditional-rotation
// contract holds against a shared Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/session"
)

// Store implements authkit.Store on top of a Redis client.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// New wraps the given client. prefix namespaces every key; empty means
// "ak".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ak"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) sessionKey(id string) string  { return s.prefix + ":sess:" + id }
func (s *Store) tokenKey(jti string) string   { return s.prefix + ":rt:" + jti }
func (s *Store) hashKey(hash string) string   { return s.prefix + ":rth:" + hash }
func (s *Store) familyKey(id string) string   { return s.prefix + ":fam:" + id }
func (s *Store) revokedKey(id string) string  { return s.prefix + ":famrev:" + id }
func (s *Store) expiryKey() string            { return s.prefix + ":rtexp" }
func (s *Store) userKey(id string) string     { return s.prefix + ":user:" + id }
func (s *Store) emailKey(email string) string { return s.prefix + ":uemail:" + email }
func (s *Store) verifKey(hash string) string  { return s.prefix + ":verif:" + hash }

func (s *Store) accountKey(provider, accountID string) string {
	return s.prefix + ":acct:" + provider + ":" + accountID
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", autherr.ErrStorageConnection, err)
}

// sessionBlob is the JSON wire form of a session. Timestamps are unix
// seconds so the Lua extend script can compare them with tonumber.
type sessionBlob struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

func encodeSession(sess *session.Session) ([]byte, error) {
	return json.Marshal(sessionBlob{
		ID:        sess.ID,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt.Unix(),
		CreatedAt: sess.CreatedAt.Unix(),
	})
}

func decodeSession(data []byte) (*session.Session, error) {
	var blob sessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session.Session{
		ID:        blob.ID,
		UserID:    blob.UserID,
		ExpiresAt: time.Unix(blob.ExpiresAt, 0),
		CreatedAt: time.Unix(blob.CreatedAt, 0),
	}, nil
}

const extendSessionScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local sess = cjson.decode(data)
local exp = tonumber(ARGV[1])
if exp > (tonumber(sess.expires_at) or 0) then
  sess.expires_at = exp
  redis.call("SET", KEYS[1], cjson.encode(sess), "PX", tonumber(ARGV[2]))
end
return 1
`

var extendSessionLua = redis.NewScript(extendSessionScript)

// CreateSession persists the session with a TTL matching its expiry.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	if err := s.redis.Set(ctx, s.sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.redis.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, autherr.ErrSessionNotFound
		}
		return nil, storeErr(err)
	}
	return decodeSession(data)
}

// ExtendSession pushes the stored expiry forward; it never shortens it.
func (s *Store) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	px := time.Until(expiresAt).Milliseconds()
	if px <= 0 {
		px = 1
	}

	found, err := extendSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(id)},
		expiresAt.Unix(), px,
	).Int64()
	if err != nil {
		return storeErr(err)
	}
	if found == 0 {
		return autherr.ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}
