package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadmos-io/authkit"
	"github.com/kadmos-io/authkit/autherr"
	"github.com/kadmos-io/authkit/session"
	"github.com/kadmos-io/authkit/store/memory"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	sess := &session.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	// returned records are copies, not aliases into the store
	got.UserID = "tampered"
	again, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", again.UserID)

	require.NoError(t, store.DeleteSession(ctx, "sess-1"))
	require.NoError(t, store.DeleteSession(ctx, "sess-1"), "delete is idempotent")

	_, err = store.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, autherr.ErrSessionNotFound)
}

func TestExtendSessionOnlyForward(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, store.CreateSession(ctx, &session.Session{ID: "s", UserID: "u", ExpiresAt: deadline}))

	require.NoError(t, store.ExtendSession(ctx, "s", deadline.Add(-30*time.Minute)))
	got, err := store.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(deadline), "extension must never shorten a session")

	require.NoError(t, store.ExtendSession(ctx, "s", deadline.Add(time.Hour)))
	got, err = store.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.After(deadline))

	assert.ErrorIs(t, store.ExtendSession(ctx, "missing", deadline), autherr.ErrSessionNotFound)
}

func TestUserUniqueEmail(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	alice := &authkit.User{ID: "u1", Email: "alice@example.com", Role: "member"}
	require.NoError(t, store.CreateUser(ctx, alice))
	assert.ErrorIs(t, store.CreateUser(ctx, &authkit.User{ID: "u2", Email: "alice@example.com"}), autherr.ErrStorageUniqueViolation)

	bob := &authkit.User{ID: "u3", Email: "bob@example.com"}
	require.NoError(t, store.CreateUser(ctx, bob))

	// moving to a taken address fails, moving to a free one re-keys the index
	bob.Email = "alice@example.com"
	assert.ErrorIs(t, store.UpdateUser(ctx, bob), autherr.ErrStorageUniqueViolation)

	bob.Email = "robert@example.com"
	require.NoError(t, store.UpdateUser(ctx, bob))

	got, err := store.FindUserByEmail(ctx, "robert@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u3", got.ID)

	_, err = store.FindUserByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)

	assert.ErrorIs(t, store.UpdateUser(ctx, &authkit.User{ID: "ghost"}), autherr.ErrUserNotFound)
}

func TestProviderAccountLinking(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	require.NoError(t, store.CreateUser(ctx, &authkit.User{ID: "u1", Email: "a@example.com"}))
	require.NoError(t, store.CreateUser(ctx, &authkit.User{ID: "u2", Email: "b@example.com"}))

	link := &authkit.ProviderAccount{UserID: "u1", Provider: "acme", ProviderAccountID: "acct-9"}
	require.NoError(t, store.LinkProviderAccount(ctx, link))
	require.NoError(t, store.LinkProviderAccount(ctx, link), "re-linking the same pair is a no-op")

	got, err := store.FindUserByProviderAccount(ctx, "acme", "acct-9")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	// a provider identity belongs to exactly one local user
	theft := &authkit.ProviderAccount{UserID: "u2", Provider: "acme", ProviderAccountID: "acct-9"}
	assert.ErrorIs(t, store.LinkProviderAccount(ctx, theft), autherr.ErrStorageUniqueViolation)

	_, err = store.FindUserByProviderAccount(ctx, "acme", "unknown")
	assert.ErrorIs(t, err, autherr.ErrUserNotFound)
}

func TestVerificationTokenConsumeOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tok := &authkit.VerificationToken{
		ID:         "vt-1",
		UserID:     "u1",
		Purpose:    authkit.PurposePasswordReset,
		SecretHash: "hash-1",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateVerificationToken(ctx, tok))
	assert.ErrorIs(t, store.CreateVerificationToken(ctx, tok), autherr.ErrStorageUniqueViolation)

	got, err := store.ConsumeVerificationToken(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, authkit.PurposePasswordReset, got.Purpose)

	_, err = store.ConsumeVerificationToken(ctx, "hash-1")
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
}
