package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydouble-go/internal/model"
)

func TestMemoryCreditApplyTransaction(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCreditRepository()

	created, err := repo.CreateAccount(ctx, "acc")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.CreateAccount(ctx, "acc")
	require.NoError(t, err)
	assert.False(t, created)

	grant := &model.CreditTransaction{AccountID: "acc", Amount: 5, Reason: model.ReasonPurchase, CauseRef: "order-1"}
	require.NoError(t, repo.ApplyTransaction(ctx, grant, ApplyOptions{}))
	assert.Equal(t, 0, grant.BalanceBefore)
	assert.Equal(t, 5, grant.BalanceAfter)

	dup := &model.CreditTransaction{AccountID: "acc", Amount: 5, Reason: model.ReasonPurchase, CauseRef: "order-1"}
	assert.ErrorIs(t, repo.ApplyTransaction(ctx, dup, ApplyOptions{}), ErrDuplicateTransaction)

	over := &model.CreditTransaction{AccountID: "acc", Amount: -6, Reason: model.ReasonSpend, CauseRef: "job:1"}
	assert.ErrorIs(t, repo.ApplyTransaction(ctx, over, ApplyOptions{}), ErrNegativeBalance)

	require.NoError(t, repo.CreateHold(ctx, &model.CreditHold{AccountID: "acc", CauseRef: "job:2", Amount: 2, ExpiresAt: time.Now().Add(time.Minute)}))
	held, err := repo.SumActiveHolds(ctx, "acc", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, held)

	spend := &model.CreditTransaction{AccountID: "acc", Amount: -2, Reason: model.ReasonSpend, CauseRef: "job:2"}
	require.NoError(t, repo.ApplyTransaction(ctx, spend, ApplyOptions{ReleaseHold: "job:2"}))
	held, err = repo.SumActiveHolds(ctx, "acc", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, held)

	acct, err := repo.GetAccount(ctx, "acc")
	require.NoError(t, err)
	sum, err := repo.SumTransactions(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, 3, acct.Balance)
	assert.Equal(t, acct.Balance, sum)

	history, err := repo.ListTransactions(ctx, "acc", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.ReasonSpend, history[0].Reason)
}

func TestMemoryHoldExpiry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCreditRepository()
	now := time.Now()
	require.NoError(t, repo.CreateHold(ctx, &model.CreditHold{AccountID: "a", CauseRef: "x", Amount: 3, ExpiresAt: now.Add(-time.Second)}))

	held, err := repo.SumActiveHolds(ctx, "a", now)
	require.NoError(t, err)
	assert.Equal(t, 0, held)
}

func TestMemoryHoldsAreScopedPerAccount(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCreditRepository()
	expires := time.Now().Add(time.Minute)
	for _, acct := range []string{"acc_a", "acc_b"} {
		_, err := repo.CreateAccount(ctx, acct)
		require.NoError(t, err)
	}
	require.NoError(t, repo.ApplyTransaction(ctx, &model.CreditTransaction{AccountID: "acc_a", Amount: 3, Reason: model.ReasonPurchase, CauseRef: "order-1"}, ApplyOptions{}))
	require.NoError(t, repo.ApplyTransaction(ctx, &model.CreditTransaction{AccountID: "acc_b", Amount: 3, Reason: model.ReasonPurchase, CauseRef: "order-1"}, ApplyOptions{}))

	require.NoError(t, repo.CreateHold(ctx, &model.CreditHold{AccountID: "acc_a", CauseRef: "job:X", Amount: 3, ExpiresAt: expires}))
	require.NoError(t, repo.CreateHold(ctx, &model.CreditHold{AccountID: "acc_b", CauseRef: "job:X", Amount: 1, ExpiresAt: expires}))

	_, err := repo.FindHold(ctx, "acc_c", "job:X")
	assert.ErrorIs(t, err, ErrNotFound)

	spend := &model.CreditTransaction{AccountID: "acc_b", Amount: -1, Reason: model.ReasonSpend, CauseRef: "job:X"}
	require.NoError(t, repo.ApplyTransaction(ctx, spend, ApplyOptions{ReleaseHold: "job:X"}))

	held, err := repo.FindHold(ctx, "acc_a", "job:X")
	require.NoError(t, err)
	assert.Equal(t, 3, held.Amount)
	_, err = repo.FindHold(ctx, "acc_b", "job:X")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.DeleteHold(ctx, "acc_b", "job:X"))
	sum, err := repo.SumActiveHolds(ctx, "acc_a", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
}

func TestMemoryAssetUnlockOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAssetRepository()
	a, err := repo.Create(ctx, &model.Asset{ID: "a1", JobID: "j1", AccountID: "acc", UnlockPrice: 10})
	require.NoError(t, err)
	again, err := repo.Create(ctx, &model.Asset{ID: "a2", JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	changed, err := repo.MarkUnlocked(ctx, "a1", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.MarkUnlocked(ctx, "a1", time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMemoryMessagesAppendIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepository()
	msg := model.Message{ID: "m1", Role: model.RoleUserMessage, Content: "hello"}

	require.NoError(t, repo.AppendMessage(ctx, "acc", "c1", msg))
	require.NoError(t, repo.AppendMessage(ctx, "acc", "c1", msg))
	assert.Equal(t, 1, repo.Count("acc", "c1"))

	content := "edited"
	require.NoError(t, repo.PatchMessage(ctx, "acc", "m1", model.MessagePatch{Content: &content}))
	msgs, err := repo.ListMessages(ctx, "acc", "c1")
	require.NoError(t, err)
	assert.Equal(t, "edited", msgs[0].Content)

	assert.ErrorIs(t, repo.PatchMessage(ctx, "other", "m1", model.MessagePatch{}), ErrNotFound)
}
