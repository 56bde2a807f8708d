package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/refresh"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusRotated  int64 = 2
	rotateStatusOK       int64 = 3
)

// tokenBlob is the JSON wire form of a refresh token record. rotated_at
// and revoked_at use unix seconds with zero meaning unset, so the Lua
// scripts can test and assign them without a null round trip.
type tokenBlob struct {
	FamilyID  string `json:"family_id"`
	JTI       string `json:"jti"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	TokenHash string `json:"token_hash"`
	ExpiresAt int64  `json:"expires_at"`
	ParentJTI string `json:"parent_jti,omitempty"`
	RotatedAt int64  `json:"rotated_at"`
	RevokedAt int64  `json:"revoked_at"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func encodeToken(rec *refresh.Record) ([]byte, error) {
	blob := tokenBlob{
		FamilyID:  rec.FamilyID,
		JTI:       rec.JTI,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		TokenHash: rec.TokenHash,
		ExpiresAt: rec.ExpiresAt.Unix(),
		ParentJTI: rec.ParentJTI,
		IP:        rec.IP,
		UserAgent: rec.UserAgent,
		CreatedAt: rec.CreatedAt.Unix(),
	}
	if rec.RotatedAt != nil {
		blob.RotatedAt = rec.RotatedAt.Unix()
	}
	if rec.RevokedAt != nil {
		blob.RevokedAt = rec.RevokedAt.Unix()
	}
	return json.Marshal(blob)
}

func decodeToken(data []byte) (*refresh.Record, error) {
	var blob tokenBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	rec := &refresh.Record{
		FamilyID:  blob.FamilyID,
		JTI:       blob.JTI,
		UserID:    blob.UserID,
		SessionID: blob.SessionID,
		TokenHash: blob.TokenHash,
		ExpiresAt: time.Unix(blob.ExpiresAt, 0),
		ParentJTI: blob.ParentJTI,
		IP:        blob.IP,
		UserAgent: blob.UserAgent,
		CreatedAt: time.Unix(blob.CreatedAt, 0),
	}
	if blob.RotatedAt > 0 {
		at := time.Unix(blob.RotatedAt, 0)
		rec.RotatedAt = &at
	}
	if blob.RevokedAt > 0 {
		at := time.Unix(blob.RevokedAt, 0)
		rec.RevokedAt = &at
	}
	return rec, nil
}

// rotateTokenScript is the compare-and-swap at the heart of rotation:
// mark the parent rotated and insert the child in one atomic step, or
// report why not. A caller that sees "rotated" lost a race with another
// redemption of the same token.
const rotateTokenScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
if (tonumber(rec.revoked_at) or 0) > 0 then
  return 1
end
if (tonumber(rec.rotated_at) or 0) > 0 then
  return 2
end

rec.rotated_at = tonumber(ARGV[1])
local pttl = redis.call("PTTL", KEYS[1])
if pttl <= 0 then
  pttl = tonumber(ARGV[4])
end
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", pttl)

redis.call("SET", KEYS[2], ARGV[2], "PX", tonumber(ARGV[4]))
redis.call("SET", KEYS[3], ARGV[3], "PX", tonumber(ARGV[4]))
redis.call("SADD", KEYS[4], ARGV[3])
redis.call("ZADD", KEYS[5], tonumber(ARGV[5]), ARGV[3])
return 3
`

var rotateTokenLua = redis.NewScript(rotateTokenScript)

const revokeFamilyScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local maxpttl = 0
for _, jti in ipairs(members) do
  local key = ARGV[2] .. jti
  local data = redis.call("GET", key)
  if data then
    local rec = cjson.decode(data)
    local pttl = redis.call("PTTL", key)
    if (tonumber(rec.revoked_at) or 0) == 0 then
      rec.revoked_at = tonumber(ARGV[1])
      if pttl > 0 then
        redis.call("SET", key, cjson.encode(rec), "PX", pttl)
      end
    end
    if pttl > maxpttl then
      maxpttl = pttl
    end
  end
end
if maxpttl <= 0 then
  maxpttl = 1000
end
redis.call("SET", KEYS[2], ARGV[1], "PX", maxpttl)
return #members
`

// The revocation marker expires with the longest-lived member: past
// that point no token of the family can be presented anyway.
var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

const cleanupTokensScript = `
local jtis = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local removed = 0
for _, jti in ipairs(jtis) do
  local key = ARGV[2] .. jti
  local data = redis.call("GET", key)
  if data then
    local rec = cjson.decode(data)
    redis.call("DEL", key, ARGV[3] .. rec.token_hash)
    local fam = ARGV[4] .. rec.family_id
    redis.call("SREM", fam, jti)
    if redis.call("SCARD", fam) == 0 then
      redis.call("DEL", fam, ARGV[5] .. rec.family_id)
    end
    removed = removed + 1
  end
  redis.call("ZREM", KEYS[1], jti)
end
return removed
`

var cleanupTokensLua = redis.NewScript(cleanupTokensScript)

func (s *Store) SaveToken(ctx context.Context, rec *refresh.Record) error {
	data, err := encodeToken(rec)
	if err != nil {
		return err
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(rec.JTI), data, ttl)
		pipe.Set(ctx, s.hashKey(rec.TokenHash), rec.JTI, ttl)
		pipe.SAdd(ctx, s.familyKey(rec.FamilyID), rec.JTI)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(rec.ExpiresAt.Unix()), Member: rec.JTI})
		return nil
	})
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) FindTokenByHash(ctx context.Context, tokenHash string) (*refresh.Record, error) {
	jti, err := s.redis.Get(ctx, s.hashKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, autherr.ErrTokenInvalid
		}
		return nil, storeErr(err)
	}

	data, err := s.redis.Get(ctx, s.tokenKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, autherr.ErrTokenInvalid
		}
		return nil, storeErr(err)
	}
	return decodeToken(data)
}

func (s *Store) RotateToken(ctx context.Context, parentJTI string, rotatedAt time.Time, child *refresh.Record) error {
	childData, err := encodeToken(child)
	if err != nil {
		return err
	}

	childPX := time.Until(child.ExpiresAt).Milliseconds()
	if childPX <= 0 {
		childPX = 1
	}

	status, err := rotateTokenLua.Run(ctx, s.redis,
		[]string{
			s.tokenKey(parentJTI),
			s.tokenKey(child.JTI),
			s.hashKey(child.TokenHash),
			s.familyKey(child.FamilyID),
			s.expiryKey(),
		},
		rotatedAt.Unix(),
		childData,
		child.JTI,
		childPX,
		child.ExpiresAt.Unix(),
	).Int64()
	if err != nil {
		return storeErr(err)
	}

	switch status {
	case rotateStatusNotFound:
		return autherr.ErrTokenInvalid
	case rotateStatusRevoked:
		return autherr.ErrTokenRevoked
	case rotateStatusRotated:
		return autherr.ErrTokenReuseDetected
	case rotateStatusOK:
		return nil
	default:
		return fmt.Errorf("%w: unknown rotate script status %d", autherr.ErrStorageConnection, status)
	}
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string, revokedAt time.Time) error {
	_, err := revokeFamilyLua.Run(ctx, s.redis,
		[]string{s.familyKey(familyID), s.revokedKey(familyID)},
		revokedAt.Unix(),
		s.prefix+":rt:",
	).Result()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.revokedKey(familyID)).Result()
	if err != nil {
		return false, storeErr(err)
	}
	return n > 0, nil
}

func (s *Store) GetFamily(ctx context.Context, familyID string) ([]*refresh.Record, error) {
	jtis, err := s.redis.SMembers(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*refresh.Record{}, nil
		}
		return nil, storeErr(err)
	}
	if len(jtis) == 0 {
		return []*refresh.Record{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(jtis))
	for i, jti := range jtis {
		cmds[i] = pipe.Get(ctx, s.tokenKey(jti))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr(err)
	}

	records := make([]*refresh.Record, 0, len(jtis))
	for _, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, storeErr(cmdErr)
		}
		rec, decErr := decodeToken(data)
		if decErr != nil {
			return nil, decErr
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) CleanupExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	removed, err := cleanupTokensLua.Run(ctx, s.redis,
		[]string{s.expiryKey()},
		before.Unix(),
		s.prefix+":rt:",
		s.prefix+":rth:",
		s.prefix+":fam:",
		s.prefix+":famrev:",
	).Int64()
	if err != nil {
		return 0, storeErr(err)
	}
	return removed, nil
}
