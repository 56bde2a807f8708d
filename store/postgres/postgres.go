// Package postgres is the PostgreSQL storage adapter, built on pgx.
// Rotation uses a transaction whose conditional UPDATE carries the
// whole concurrency story: the row is claimed with
// "WHERE rotated_at IS NULL", so exactly one racer wins and the rest
// learn they presented a spent token.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kadmos-io/authkit"
	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/session"
)

// Schema creates the tables the adapter expects. Callers running their
// own migrations can lift these statements instead of calling Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL UNIQUE,
	password_hash   TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL DEFAULT '',
	org_id          TEXT NOT NULL DEFAULT '',
	email_verified  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_accounts (
	provider            TEXT NOT NULL,
	provider_account_id TEXT NOT NULL,
	user_id             TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, provider_account_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	jti        TEXT PRIMARY KEY,
	family_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMPTZ NOT NULL,
	parent_jti TEXT,
	rotated_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	ip         TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS refresh_tokens_family_idx ON refresh_tokens (family_id);
CREATE INDEX IF NOT EXISTS refresh_tokens_expires_idx ON refresh_tokens (expires_at);

CREATE TABLE IF NOT EXISTS verification_tokens (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	purpose     TEXT NOT NULL,
	secret_hash TEXT NOT NULL UNIQUE,
	expires_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
`

// Store implements authkit.Store on a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

var _ authkit.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Open connects a pool from a DSN and returns a Store over it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrStorageConnection, err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", autherr.ErrStorageConnection, err)
	}
	return &Store{db: db}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.db.Close()
}

// mapPgError converts backend failures into the adapter contract:
// unique violations and connection loss get sentinels, everything else
// passes through wrapped.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", autherr.ErrStorageUniqueViolation, op)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", autherr.ErrStorageConnection, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.UserID, sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return mapPgError("create session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess := &session.Session{}
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, autherr.ErrSessionNotFound
		}
		return nil, mapPgError("get session", err)
	}
	return sess, nil
}

func (s *Store) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET expires_at = $2 WHERE id = $1 AND expires_at < $2`,
		id, expiresAt,
	)
	if err != nil {
		return mapPgError("extend session", err)
	}
	if tag.RowsAffected() == 0 {
		// distinguish "absent" from "already further out"
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return mapPgError("extend session", err)
		}
		if !exists {
			return autherr.ErrSessionNotFound
		}
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return mapPgError("delete session", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions past their deadline. The
// read path already treats them as absent; this is housekeeping.
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, mapPgError("delete expired sessions", err)
	}
	return tag.RowsAffected(), nil
}
