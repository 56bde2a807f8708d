package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/kadmos-io/authkit"
	"github.com/kadmos-io/authkit/autherr"
)

const userColumns = `id, email, password_hash, role, org_id, email_verified, created_at, updated_at`

const joinedUserColumns = `u.id, u.email, u.password_hash, u.role, u.org_id, u.email_verified, u.created_at, u.updated_at`

func scanUser(row pgx.Row) (*authkit.User, error) {
	u := &authkit.User{}
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.OrgID,
		&u.EmailVerified, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*authkit.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, mapPgError("find user by id", err)
	}
	return u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*authkit.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, mapPgError("find user by email", err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *authkit.User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.OrgID, u.EmailVerified, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return mapPgError("create user", err)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, u *authkit.User) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET email = $2, password_hash = $3, role = $4, org_id = $5,
			email_verified = $6, updated_at = $7
		 WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.OrgID, u.EmailVerified, u.UpdatedAt,
	)
	if err != nil {
		return mapPgError("update user", err)
	}
	if tag.RowsAffected() == 0 {
		return autherr.ErrUserNotFound
	}
	return nil
}

func (s *Store) FindUserByProviderAccount(ctx context.Context, provider, providerAccountID string) (*authkit.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+joinedUserColumns+`
		 FROM users u
		 JOIN provider_accounts pa ON pa.user_id = u.id
		 WHERE pa.provider = $1 AND pa.provider_account_id = $2`,
		provider, providerAccountID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, autherr.ErrUserNotFound
		}
		return nil, mapPgError("find user by provider account", err)
	}
	return u, nil
}

func (s *Store) LinkProviderAccount(ctx context.Context, link *authkit.ProviderAccount) error {
	// re-linking the same pair to the same user is a no-op
	_, err := s.db.Exec(ctx,
		`INSERT INTO provider_accounts (provider, provider_account_id, user_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider, provider_account_id) DO NOTHING`,
		link.Provider, link.ProviderAccountID, link.UserID, link.CreatedAt,
	)
	if err != nil {
		return mapPgError("link provider account", err)
	}

	var owner string
	err = s.db.QueryRow(ctx,
		`SELECT user_id FROM provider_accounts WHERE provider = $1 AND provider_account_id = $2`,
		link.Provider, link.ProviderAccountID,
	).Scan(&owner)
	if err != nil {
		return mapPgError("link provider account", err)
	}
	if owner != link.UserID {
		return autherr.ErrStorageUniqueViolation
	}
	return nil
}

func (s *Store) CreateVerificationToken(ctx context.Context, t *authkit.VerificationToken) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO verification_tokens (id, user_id, purpose, secret_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, string(t.Purpose), t.SecretHash, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		return mapPgError("create verification token", err)
	}
	return nil
}

// ConsumeVerificationToken deletes and returns the row in one
// statement, so concurrent redemptions cannot both succeed.
func (s *Store) ConsumeVerificationToken(ctx context.Context, secretHash string) (*authkit.VerificationToken, error) {
	t := &authkit.VerificationToken{}
	var purpose string
	err := s.db.QueryRow(ctx,
		`DELETE FROM verification_tokens WHERE secret_hash = $1
		 RETURNING id, user_id, purpose, secret_hash, expires_at, created_at`,
		secretHash,
	).Scan(&t.ID, &t.UserID, &purpose, &t.SecretHash, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, autherr.ErrTokenInvalid
		}
		return nil, mapPgError("consume verification token", err)
	}
	t.Purpose = authkit.VerificationPurpose(purpose)
	return t, nil
}

