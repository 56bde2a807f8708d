package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/refresh"
)

const tokenColumns = `jti, family_id, user_id, session_id, token_hash, expires_at,
	parent_jti, rotated_at, revoked_at, ip, user_agent, created_at`

func scanToken(row pgx.Row) (*refresh.Record, error) {
	rec := &refresh.Record{}
	var parent *string
	err := row.Scan(
		&rec.JTI, &rec.FamilyID, &rec.UserID, &rec.SessionID, &rec.TokenHash,
		&rec.ExpiresAt, &parent, &rec.RotatedAt, &rec.RevokedAt,
		&rec.IP, &rec.UserAgent, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		rec.ParentJTI = *parent
	}
	return rec, nil
}

func insertTokenArgs(rec *refresh.Record) []any {
	var parent *string
	if rec.ParentJTI != "" {
		parent = &rec.ParentJTI
	}
	return []any{
		rec.JTI, rec.FamilyID, rec.UserID, rec.SessionID, rec.TokenHash,
		rec.ExpiresAt, parent, rec.RotatedAt, rec.RevokedAt,
		rec.IP, rec.UserAgent, rec.CreatedAt,
	}
}

const insertTokenSQL = `
	INSERT INTO refresh_tokens (` + tokenColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func (s *Store) SaveToken(ctx context.Context, rec *refresh.Record) error {
	if _, err := s.db.Exec(ctx, insertTokenSQL, insertTokenArgs(rec)...); err != nil {
		return mapPgError("save refresh token", err)
	}
	return nil
}

func (s *Store) FindTokenByHash(ctx context.Context, tokenHash string) (*refresh.Record, error) {
	rec, err := scanToken(s.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE token_hash = $1`,
		tokenHash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, autherr.ErrTokenInvalid
		}
		return nil, mapPgError("find refresh token", err)
	}
	return rec, nil
}

// RotateToken claims the parent row and inserts the child inside one
// transaction. The UPDATE's WHERE clause is the synchronization point:
// zero rows affected means another redemption got there first, or the
// row is revoked or gone, and the caller is told which.
func (s *Store) RotateToken(ctx context.Context, parentJTI string, rotatedAt time.Time, child *refresh.Record) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return mapPgError("begin rotation", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE refresh_tokens SET rotated_at = $2
		 WHERE jti = $1 AND rotated_at IS NULL AND revoked_at IS NULL`,
		parentJTI, rotatedAt,
	)
	if err != nil {
		return mapPgError("claim parent token", err)
	}

	if tag.RowsAffected() == 0 {
		var rotated, revoked *time.Time
		err := tx.QueryRow(ctx,
			`SELECT rotated_at, revoked_at FROM refresh_tokens WHERE jti = $1`,
			parentJTI,
		).Scan(&rotated, &revoked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return autherr.ErrTokenInvalid
			}
			return mapPgError("inspect parent token", err)
		}
		if revoked != nil {
			return autherr.ErrTokenRevoked
		}
		return autherr.ErrTokenReuseDetected
	}

	if _, err := tx.Exec(ctx, insertTokenSQL, insertTokenArgs(child)...); err != nil {
		return mapPgError("insert child token", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit rotation", err)
	}
	return nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string, revokedAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2
		 WHERE family_id = $1 AND revoked_at IS NULL`,
		familyID, revokedAt,
	)
	if err != nil {
		return mapPgError("revoke token family", err)
	}
	return nil
}

func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	var revoked bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM refresh_tokens WHERE family_id = $1 AND revoked_at IS NOT NULL
		)`,
		familyID,
	).Scan(&revoked)
	if err != nil {
		return false, mapPgError("check family revocation", err)
	}
	return revoked, nil
}

func (s *Store) GetFamily(ctx context.Context, familyID string) ([]*refresh.Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE family_id = $1 ORDER BY created_at`,
		familyID,
	)
	if err != nil {
		return nil, mapPgError("load token family", err)
	}
	defer rows.Close()

	var records []*refresh.Record
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, mapPgError("scan token family", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("load token family", err)
	}
	return records, nil
}

func (s *Store) CleanupExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, mapPgError("cleanup refresh tokens", err)
	}
	return tag.RowsAffected(), nil
}
