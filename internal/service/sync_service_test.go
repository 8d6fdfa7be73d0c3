package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydouble-go/internal/cache"
	"mydouble-go/internal/config"
	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/tasks"
)

type syncFixture struct {
	sync   *SyncReconciler
	cache  *cache.ConversationCache
	remote *repository.MemoryMessageRepository
	jobs   repository.JobRepository
	assets repository.AssetRepository
}

func newSyncFixture(t *testing.T, size int) *syncFixture {
	t.Helper()
	c, err := cache.NewConversationCache(cache.NewMemoryStore(), size)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	remote := repository.NewMemoryMessageRepository()
	jobs := repository.NewMemoryJobRepository()
	assets := repository.NewMemoryAssetRepository()
	s := NewSyncReconciler(c, remote, jobs, assets, config.SyncConfig{MaxAttempts: 3, InitialDelay: time.Millisecond})
	return &syncFixture{sync: s, cache: c, remote: remote, jobs: jobs, assets: assets}
}

func textMsg(id, content string) model.Message {
	return model.Message{ID: id, Role: model.RoleUserMessage, Content: content, CreatedAt: time.Now()}
}

func convKey(owner, id string) model.ConversationKey {
	return model.ConversationKey{Owner: owner, ConversationID: id}
}

func messageIDs(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestReconcileLocalOnlyPushesAndRemoteReplaces(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	a, b := convKey("acc_1", "A"), convKey("acc_1", "B")

	_, err := f.cache.Append(ctx, a, textMsg("a1", "hi"), textMsg("a2", "there"))
	require.NoError(t, err)
	for _, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, f.remote.AppendMessage(ctx, "acc_1", "B", textMsg(id, id)))
	}

	entryA, err := f.sync.Reconcile(ctx, a)
	require.NoError(t, err)
	assert.False(t, entryA.Dirty)
	assert.Equal(t, 2, f.remote.Count("acc_1", "A"))

	entryB, err := f.sync.Reconcile(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "b3"}, messageIDs(entryB.Messages))
	assert.False(t, entryB.Dirty)
}

func TestReconcileRemoteWinsOverLocalEdits(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	k := convKey("acc_1", "C")

	require.NoError(t, f.remote.AppendMessage(ctx, "acc_1", "C", textMsg("r1", "remote")))
	_, err := f.cache.Append(ctx, k, textMsg("r1", "local edit"), textMsg("l1", "local only"))
	require.NoError(t, err)

	entry, err := f.sync.Reconcile(ctx, k)
	require.NoError(t, err)
	require.Len(t, entry.Messages, 1)
	assert.Equal(t, "remote", entry.Messages[0].Content)
	assert.Equal(t, 1, f.remote.Count("acc_1", "C"))
}

func TestReconcileFallsBackToLocalWhenRemoteDown(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	k := convKey("acc_1", "D")
	_, err := f.cache.Append(ctx, k, textMsg("m1", "x"))
	require.NoError(t, err)

	f.remote.FailLists = 10
	entry, err := f.sync.Reconcile(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, messageIDs(entry.Messages))
	assert.True(t, entry.Dirty)
}

func TestFlushRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	k := convKey("acc_1", "E")
	_, err := f.cache.Append(ctx, k, textMsg("m1", "x"))
	require.NoError(t, err)

	f.remote.FailAppends = 2
	flushed, err := f.sync.Flush(ctx, k)
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Equal(t, 1, f.remote.Count("acc_1", "E"))
}

func TestFlushKeepsDirtyWhenRemoteRejects(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	k := convKey("acc_1", "F")
	_, err := f.cache.Append(ctx, k, textMsg("m1", "x"))
	require.NoError(t, err)

	f.remote.FailAppends = 10
	_, err = f.sync.Flush(ctx, k)
	assert.Error(t, err)
	entry, _, err := f.cache.Load(ctx, k)
	require.NoError(t, err)
	assert.True(t, entry.Dirty)
}

func TestFlushPatchesChangedMessages(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	k := convKey("acc_1", "G")
	msg := model.Message{ID: "m1", Role: model.RoleAssistantMessage, Job: &model.JobView{ID: "j1", Status: model.JobPolling}}
	_, err := f.cache.Append(ctx, k, msg)
	require.NoError(t, err)
	_, err = f.sync.Flush(ctx, k)
	require.NoError(t, err)

	_, err = f.cache.Update(ctx, k, "m1", model.MessagePatch{
		Job:   &model.JobView{ID: "j1", Status: model.JobCompleted, Attempts: 3},
		Asset: &model.AssetView{ID: "a1", UnlockPrice: 10},
	})
	require.NoError(t, err)
	_, err = f.sync.Flush(ctx, k)
	require.NoError(t, err)

	remote, err := f.remote.ListMessages(ctx, "acc_1", "G")
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, model.StatusLocked, remote[0].Status())
}

func TestGuestConversationsStayLocal(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	k := convKey("guest_1", "H")
	_, err := f.cache.Append(ctx, k, textMsg("m1", "x"))
	require.NoError(t, err)

	flushed, err := f.sync.Flush(ctx, k)
	require.NoError(t, err)
	assert.False(t, flushed)
	assert.Equal(t, 0, f.remote.Count("guest_1", "H"))
}

func TestMigrateAnonymousDataIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	_, err := f.cache.Append(ctx, convKey("guest_1", "c1"), textMsg("m1", "a"), textMsg("m2", "b"))
	require.NoError(t, err)
	_, err = f.cache.Append(ctx, convKey("guest_1", "c2"), textMsg("m3", "c"))
	require.NoError(t, err)

	res, err := f.sync.MigrateAnonymousData(ctx, "guest_1", "acc_9")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Conversations)
	assert.Equal(t, 3, res.Messages)
	assert.Equal(t, 2, f.remote.Count("acc_9", "c1"))
	assert.Equal(t, 1, f.remote.Count("acc_9", "c2"))

	keys, err := f.cache.KeysForOwner(ctx, "guest_1")
	require.NoError(t, err)
	assert.Empty(t, keys)
	moved, found, err := f.cache.Load(ctx, convKey("acc_9", "c1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, moved.Messages, 2)

	again, err := f.sync.MigrateAnonymousData(ctx, "guest_1", "acc_9")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Conversations)
	assert.Equal(t, 2, f.remote.Count("acc_9", "c1"))
	assert.Equal(t, 1, f.remote.Count("acc_9", "c2"))
}

func TestMigrateSkipsRecordedTokenAfterPartialRun(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	guest := convKey("guest_1", "c1")
	_, err := f.cache.Append(ctx, guest, textMsg("m1", "a"))
	require.NoError(t, err)
	_, err = f.sync.MigrateAnonymousData(ctx, "guest_1", "acc_9")
	require.NoError(t, err)

	// 模拟清理本地之前进程退出：匿名条目再次出现
	_, err = f.cache.Append(ctx, guest, textMsg("m1", "a"))
	require.NoError(t, err)
	res, err := f.sync.MigrateAnonymousData(ctx, "guest_1", "acc_9")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, f.remote.Count("acc_9", "c1"))
}

func TestEvictedDirtyConversationIsPushed(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 1)
	_, err := f.cache.Append(ctx, convKey("acc_1", "x"), textMsg("m1", "x"))
	require.NoError(t, err)
	_, err = f.cache.Append(ctx, convKey("acc_1", "y"), textMsg("m2", "y"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.remote.Count("acc_1", "x"))
	assert.False(t, f.cache.Contains(convKey("acc_1", "x")))
}

func TestHandleJobEventPatchesRemoteWhenNotCached(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, 15)
	msg := model.Message{ID: "m1", Role: model.RoleAssistantMessage, Job: &model.JobView{ID: "j1", Status: model.JobPolling}}
	require.NoError(t, f.remote.AppendMessage(ctx, "acc_1", "c1", msg))
	require.NoError(t, f.jobs.Create(ctx, &model.GenerationJob{
		ID: "j1", AccountID: "acc_1", ConversationID: "c1", MessageID: "m1", Status: model.JobFailed, FailureReason: "bad",
	}))

	err := f.sync.HandleJobEvent(ctx, tasks.JobEvent{JobID: "j1", AccountID: "acc_1", ConversationID: "c1", MessageID: "m1", Status: "failed"})
	require.NoError(t, err)

	remote, err := f.remote.ListMessages(ctx, "acc_1", "c1")
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, model.StatusFailed, remote[0].Status())
}
