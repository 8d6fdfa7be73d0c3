package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydouble-go/internal/repository"
	"mydouble-go/pkg/keylock"
	"mydouble-go/pkg/token"
)

type userFixture struct {
	svc    UserService
	ledger CreditLedger
	sync   *syncFixture
	users  repository.UserRepository
	jwt    *token.JWTManager
}

func newUserFixture(t *testing.T) *userFixture {
	t.Helper()
	users := repository.NewMemoryUserRepository()
	ledger := NewCreditLedger(repository.NewMemoryCreditRepository(), keylock.NewLocal(), testCreditsConfig(), Invariants{})
	sf := newSyncFixture(t, 15)
	jwt := token.NewJWTManager("secret", 1, 1)
	svc := NewUserService(users, ledger, sf.sync, jwt, token.NewMemoryBlacklist())
	return &userFixture{svc: svc, ledger: ledger, sync: sf, users: users, jwt: jwt}
}

func TestRegisterGrantsSignupBonus(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	res, err := f.svc.Register(ctx, "alice", "secret1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Contains(t, res.User.AccountID, "acc_")

	profile, err := f.svc.GetProfile(ctx, res.User.AccountID)
	require.NoError(t, err)
	assert.Equal(t, 3, profile.Balance)
	assert.Equal(t, "alice", profile.User.Username)
}

func TestRegisterRejectsDuplicateAndWeakInput(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	_, err := f.svc.Register(ctx, "alice", "secret1", "")
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "alice", "another", "")
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = f.svc.Register(ctx, "bob", "123", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.Register(ctx, "  ", "secret1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLoginChecksPassword(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)
	_, err := f.svc.Register(ctx, "alice", "secret1", "")
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "alice", "wrong-pass", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "nobody", "secret1", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := f.svc.Login(ctx, "alice", "secret1", "")
	require.NoError(t, err)
	claims, err := f.jwt.VerifyKind(res.AccessToken, token.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, res.User.AccountID, claims.AccountID)
}

func TestLoginMigratesGuestConversations(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)
	reg, err := f.svc.Register(ctx, "alice", "secret1", "")
	require.NoError(t, err)

	_, err = f.sync.cache.Append(ctx, convKey("guest_7", "c1"), textMsg("m1", "hello"))
	require.NoError(t, err)

	res, err := f.svc.Login(ctx, "alice", "secret1", "guest_7")
	require.NoError(t, err)
	require.NotNil(t, res.Migration)
	assert.Equal(t, 1, res.Migration.Conversations)
	assert.Equal(t, 1, f.sync.remote.Count(reg.User.AccountID, "c1"))

	keys, err := f.sync.cache.KeysForOwner(ctx, "guest_7")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLogoutRevokesToken(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)
	res, err := f.svc.Register(ctx, "alice", "secret1", "")
	require.NoError(t, err)

	revoked, err := f.svc.IsRevoked(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, f.svc.Logout(ctx, res.AccessToken))
	revoked, err = f.svc.IsRevoked(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRefreshTokenRequiresRefreshKind(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)
	res, err := f.svc.Register(ctx, "alice", "secret1", "")
	require.NoError(t, err)

	_, _, err = f.svc.RefreshToken(ctx, res.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	access, refresh, err := f.svc.RefreshToken(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)

	require.NoError(t, f.svc.Logout(ctx, res.RefreshToken))
	_, _, err = f.svc.RefreshToken(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
