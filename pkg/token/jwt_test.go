package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("secret", 1, 1)
	id := Identity{UserID: 7, Username: "alice", Role: "USER", AccountID: "acc_1"}

	access, err := m.GenerateToken(id)
	require.NoError(t, err)

	claims, err := m.VerifyKind(access, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "acc_1", claims.AccountID)

	refresh, err := m.GenerateRefreshToken(id)
	require.NoError(t, err)
	_, err = m.VerifyKind(refresh, KindAccess)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	a := NewJWTManager("a", 1, 1)
	b := NewJWTManager("b", 1, 1)
	tok, err := a.GenerateToken(Identity{Username: "x"})
	require.NoError(t, err)

	_, err = b.VerifyToken(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := NewJWTManager("s", 0, 0)
	tok, err := m.GenerateToken(Identity{Username: "x"})
	require.NoError(t, err)

	_, err = m.VerifyToken(tok)
	assert.Error(t, err)
}
