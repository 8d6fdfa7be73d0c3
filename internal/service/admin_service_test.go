package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/keylock"
)

func newAdminFixture(t *testing.T, n int) (AdminService, CreditLedger, []*model.User) {
	t.Helper()
	ctx := context.Background()
	users := repository.NewMemoryUserRepository()
	ledger := NewCreditLedger(repository.NewMemoryCreditRepository(), keylock.NewLocal(), testCreditsConfig(), Invariants{})
	var created []*model.User
	for i := 0; i < n; i++ {
		u := &model.User{Username: fmt.Sprintf("user%d", i), Password: "x", Role: model.RoleUser, AccountID: fmt.Sprintf("acc_%d", i)}
		if i == 0 {
			u.Role = model.RoleAdmin
		}
		require.NoError(t, users.Create(ctx, u))
		_, err := ledger.EnsureAccount(ctx, u.AccountID)
		require.NoError(t, err)
		created = append(created, u)
	}
	return NewAdminService(users, ledger), ledger, created
}

func TestListUsersPaginates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newAdminFixture(t, 5)

	page, err := svc.ListUsers(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Content, 2)
	assert.Equal(t, 0, page.Content[0].Status)
	assert.Equal(t, 1, page.Content[1].Status)
	assert.Equal(t, 3, page.Content[0].Balance)

	last, err := svc.ListUsers(ctx, 3, 2)
	require.NoError(t, err)
	assert.Len(t, last.Content, 1)
}

func TestGrantCreditsIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	svc, ledger, users := newAdminFixture(t, 1)
	acct := users[0].AccountID

	_, err := svc.GrantCredits(ctx, acct, GrantRequest{Amount: 20, Reason: "purchase", Reference: "order-1"})
	require.NoError(t, err)
	_, err = svc.GrantCredits(ctx, acct, GrantRequest{Amount: 20, Reason: "purchase", Reference: "order-1"})
	require.NoError(t, err)

	balance, err := ledger.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 23, balance)
}

func TestGrantCreditsPlanRefill(t *testing.T) {
	ctx := context.Background()
	svc, ledger, users := newAdminFixture(t, 1)
	acct := users[0].AccountID

	entry, err := svc.GrantCredits(ctx, acct, GrantRequest{Plan: "premium", Reference: "2026-10"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonSubscriptionRefill, entry.Reason)
	assert.Equal(t, 50, entry.Amount)

	balance, err := ledger.Balance(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, 53, balance)

	_, err = svc.GrantCredits(ctx, acct, GrantRequest{Plan: "platinum"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGrantCreditsRejectsGuestAndSpend(t *testing.T) {
	ctx := context.Background()
	svc, _, users := newAdminFixture(t, 1)

	_, err := svc.GrantCredits(ctx, "guest_1", GrantRequest{Amount: 5})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.GrantCredits(ctx, users[0].AccountID, GrantRequest{Amount: 5, Reason: "spend"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.GrantCredits(ctx, "acc_missing", GrantRequest{Amount: 5})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAuditAfterAdjustment(t *testing.T) {
	ctx := context.Background()
	svc, _, users := newAdminFixture(t, 1)
	acct := users[0].AccountID

	_, err := svc.GrantCredits(ctx, acct, GrantRequest{Amount: -2, Reason: "admin_adjustment", Reference: "fix-1"})
	require.NoError(t, err)

	report, err := svc.Audit(ctx, acct)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 1, report.Balance)
}
