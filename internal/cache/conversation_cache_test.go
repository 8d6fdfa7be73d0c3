package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mydouble-go/internal/model"
)

func openCache(t *testing.T, store Store, size int) *ConversationCache {
	t.Helper()
	c, err := NewConversationCache(store, size)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	return c
}

func key(id string) model.ConversationKey {
	return model.ConversationKey{Owner: "acc", ConversationID: id}
}

func msg(id string) model.Message {
	return model.Message{ID: id, Role: model.RoleUserMessage, Content: id}
}

func TestAppendMarksDirtyAndIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, NewMemoryStore(), 15)

	e, err := c.Append(ctx, key("c1"), msg("m1"), msg("m2"))
	require.NoError(t, err)
	assert.True(t, e.Dirty)
	assert.Len(t, e.Messages, 2)

	e, err = c.Append(ctx, key("c1"), msg("m2"), msg("m3"))
	require.NoError(t, err)
	assert.Len(t, e.Messages, 3)

	loaded, found, err := c.Load(ctx, key("c1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(loaded.Messages))
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	c := openCache(t, NewMemoryStore(), 15)
	e, found, err := c.Load(context.Background(), key("nope"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, e.Messages)
}

func TestUpdateUnknownMessage(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, NewMemoryStore(), 15)
	_, err := c.Append(ctx, key("c1"), msg("m1"))
	require.NoError(t, err)

	_, err = c.Update(ctx, key("c1"), "missing", model.MessagePatch{})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestClosedCacheRejectsAccess(t *testing.T) {
	ctx := context.Background()
	c, err := NewConversationCache(NewMemoryStore(), 15)
	require.NoError(t, err)

	_, _, err = c.Load(ctx, key("c1"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Append(ctx, key("c1"), msg("m1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBoundedToMostRecentConversations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := openCache(t, store, 15)

	for i := 0; i < 15; i++ {
		_, err := c.Replace(ctx, key(fmt.Sprintf("c%d", i)), []model.Message{msg("m")}, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 15, c.Len())

	_, err := c.Replace(ctx, key("c15"), []model.Message{msg("m")}, false)
	require.NoError(t, err)

	assert.Equal(t, 15, c.Len())
	assert.False(t, c.Contains(key("c0")))
	assert.True(t, c.Contains(key("c15")))
	assert.Equal(t, 15, store.Len())
}

func TestEvictingDirtyEntryFlushesFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := openCache(t, store, 2)

	var flushed []model.ConversationKey
	c.SetEvictHook(func(ctx context.Context, e *model.ConversationEntry) error {
		flushed = append(flushed, e.Key)
		return nil
	})

	_, err := c.Append(ctx, key("a"), msg("1"))
	require.NoError(t, err)
	_, err = c.Replace(ctx, key("b"), nil, false)
	require.NoError(t, err)
	_, err = c.Replace(ctx, key("c"), nil, false)
	require.NoError(t, err)

	assert.Equal(t, []model.ConversationKey{key("a")}, flushed)
	stored, err := store.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestEvictedDirtyEntryKeptWhenFlushFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := openCache(t, store, 1)
	c.SetEvictHook(func(ctx context.Context, e *model.ConversationEntry) error {
		return errors.New("remote down")
	})

	_, err := c.Append(ctx, key("a"), msg("1"))
	require.NoError(t, err)
	_, err = c.Append(ctx, key("b"), msg("2"))
	require.NoError(t, err)

	assert.False(t, c.Contains(key("a")))
	stored, err := store.Get(ctx, key("a"))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Dirty)

	e, found, err := c.Load(ctx, key("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, e.Messages, 1)
}

func TestFlushIfDirtyClearsOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, NewMemoryStore(), 15)
	_, err := c.Append(ctx, key("c1"), msg("m1"))
	require.NoError(t, err)

	flushed, err := c.FlushIfDirty(ctx, key("c1"), func(ctx context.Context, e *model.ConversationEntry) error {
		return errors.New("rejected")
	})
	assert.Error(t, err)
	assert.False(t, flushed)
	e, _, _ := c.Load(ctx, key("c1"))
	assert.True(t, e.Dirty)

	flushed, err = c.FlushIfDirty(ctx, key("c1"), func(ctx context.Context, e *model.ConversationEntry) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, flushed)
	e, _, _ = c.Load(ctx, key("c1"))
	assert.False(t, e.Dirty)

	flushed, err = c.FlushIfDirty(ctx, key("c1"), func(ctx context.Context, e *model.ConversationEntry) error {
		t.Fatal("clean entry must not be flushed")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, flushed)
}

func TestFlushKeepsDirtyWhenModifiedConcurrently(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, NewMemoryStore(), 15)
	_, err := c.Append(ctx, key("c1"), msg("m1"))
	require.NoError(t, err)

	_, err = c.FlushIfDirty(ctx, key("c1"), func(ctx context.Context, e *model.ConversationEntry) error {
		_, err := c.Append(ctx, key("c1"), msg("m2"))
		return err
	})
	require.NoError(t, err)

	e, _, err := c.Load(ctx, key("c1"))
	require.NoError(t, err)
	assert.True(t, e.Dirty)
	assert.Len(t, e.Messages, 2)
}

func TestSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := openCache(t, store, 15)
	_, err := c.Append(ctx, key("c1"), msg("m1"))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	reopened := openCache(t, store, 15)
	assert.True(t, reopened.Contains(key("c1")))
	e, found, err := reopened.Load(ctx, key("c1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, e.Dirty)
	assert.Equal(t, []string{"m1"}, ids(e.Messages))
}

func TestRemoveAndKeysForOwner(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, NewMemoryStore(), 15)
	_, err := c.Append(ctx, key("c1"), msg("m1"))
	require.NoError(t, err)
	_, err = c.Append(ctx, model.ConversationKey{Owner: "other", ConversationID: "x"}, msg("m2"))
	require.NoError(t, err)

	keys, err := c.KeysForOwner(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, []model.ConversationKey{key("c1")}, keys)

	require.NoError(t, c.Remove(ctx, key("c1")))
	keys, err = c.KeysForOwner(ctx, "acc")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
