package cache

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"mydouble-go/internal/model"
	"mydouble-go/pkg/keylock"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/metrics"
)

var (
	// ErrClosed 表示缓存尚未打开或已经关闭。
	ErrClosed = errors.New("conversation cache is closed")
	// ErrMessageNotFound 表示会话中不存在指定消息。
	ErrMessageNotFound = errors.New("message not found in conversation")
)

// EvictHook 在脏条目被淘汰时调用，返回 nil 表示条目已被远端接受。
type EvictHook func(ctx context.Context, entry *model.ConversationEntry) error

// FlushFunc 将条目写入远端，返回 nil 表示远端已确认。
type FlushFunc func(ctx context.Context, entry *model.ConversationEntry) error

// ConversationCache 保存最近若干个会话的本地状态。
// 同一会话的修改串行执行；超出容量时淘汰最久未修改的会话。
type ConversationCache struct {
	store   Store
	size    int
	entries *lru.Cache
	locks   *keylock.Local

	mu      sync.Mutex
	open    bool
	onEvict EvictHook
	pending []*model.ConversationEntry
}

// NewConversationCache 创建缓存。调用 Open 之后才能使用。
func NewConversationCache(store Store, size int) (*ConversationCache, error) {
	c := &ConversationCache{store: store, size: size, locks: keylock.NewLocal()}
	entries, err := lru.NewWithEvict(size, c.evicted)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// SetEvictHook 设置脏条目被淘汰时的回调。
func (c *ConversationCache) SetEvictHook(hook EvictHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = hook
}

// evicted 由 LRU 在持有内部锁时调用，只记录条目，处理在锁外进行。
func (c *ConversationCache) evicted(key, value interface{}) {
	entry, ok := value.(*model.ConversationEntry)
	if !ok {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, entry)
	c.mu.Unlock()
}

func (c *ConversationCache) takePending() []*model.ConversationEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

func (c *ConversationCache) discardPending(key model.ConversationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.pending[:0]
	for _, e := range c.pending {
		if e.Key != key {
			kept = append(kept, e)
		}
	}
	c.pending = kept
}

// Open 从持久层恢复最近的会话。
func (c *ConversationCache) Open(ctx context.Context) error {
	recent, err := c.store.Recent(ctx, c.size)
	if err != nil {
		return err
	}
	// 从旧到新插入，使最近修改的会话位于 LRU 最前
	for i := len(recent) - 1; i >= 0; i-- {
		c.entries.Add(recent[i].Key, recent[i])
	}
	c.takePending()

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	log.Infof("会话缓存已打开，恢复 %d 个会话", len(recent))
	return nil
}

// Close 把内存中的条目写回持久层并停止服务。
func (c *ConversationCache) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.mu.Unlock()

	var firstErr error
	for _, k := range c.entries.Keys() {
		v, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		if err := c.store.Put(ctx, v.(*model.ConversationEntry)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.entries.Purge()
	c.takePending()
	return firstErr
}

func (c *ConversationCache) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// lookup 在持有会话锁时读取条目：先查内存，再查持久层。
func (c *ConversationCache) lookup(ctx context.Context, key model.ConversationKey) (*model.ConversationEntry, error) {
	if v, ok := c.entries.Peek(key); ok {
		return v.(*model.ConversationEntry), nil
	}
	e, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Load 返回会话当前的本地状态，只读取本地，不访问远端。
// 会话不存在时返回空条目且 found 为 false。
func (c *ConversationCache) Load(ctx context.Context, key model.ConversationKey) (entry *model.ConversationEntry, found bool, err error) {
	if !c.isOpen() {
		return nil, false, ErrClosed
	}
	unlock, err := c.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, false, err
	}
	e, err := c.lookup(ctx, key)
	if err == nil && e != nil {
		entry = e.Clone()
		c.entries.Get(key)
	}
	unlock()
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return &model.ConversationEntry{Key: key, Messages: []model.Message{}}, false, nil
	}
	return entry, true, nil
}

// mutate 在会话锁内修改条目，写回持久层并放入 LRU。
func (c *ConversationCache) mutate(ctx context.Context, key model.ConversationKey, fn func(e *model.ConversationEntry) error) (*model.ConversationEntry, error) {
	if !c.isOpen() {
		return nil, ErrClosed
	}
	unlock, err := c.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}

	snapshot, err := func() (*model.ConversationEntry, error) {
		defer unlock()
		e, err := c.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if e == nil {
			e = &model.ConversationEntry{Key: key, Messages: []model.Message{}}
		}
		work := e.Clone()
		if err := fn(work); err != nil {
			return nil, err
		}
		touch(work)
		if err := c.store.Put(ctx, work); err != nil {
			return nil, err
		}
		c.entries.Add(key, work)
		return work.Clone(), nil
	}()
	c.processEvictions(ctx)
	return snapshot, err
}

// Append 追加消息并标记为脏。已存在的消息 ID 会被忽略。
func (c *ConversationCache) Append(ctx context.Context, key model.ConversationKey, msgs ...model.Message) (*model.ConversationEntry, error) {
	return c.mutate(ctx, key, func(e *model.ConversationEntry) error {
		seen := make(map[string]struct{}, len(e.Messages))
		for _, m := range e.Messages {
			seen[m.ID] = struct{}{}
		}
		for _, m := range msgs {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			e.Messages = append(e.Messages, m.Clone())
		}
		e.Dirty = true
		return nil
	})
}

// Update 对指定消息应用补丁并标记为脏。
func (c *ConversationCache) Update(ctx context.Context, key model.ConversationKey, messageID string, patch model.MessagePatch) (*model.ConversationEntry, error) {
	return c.mutate(ctx, key, func(e *model.ConversationEntry) error {
		for i := range e.Messages {
			if e.Messages[i].ID == messageID {
				patch.Apply(&e.Messages[i])
				e.Dirty = true
				return nil
			}
		}
		return ErrMessageNotFound
	})
}

// Replace 用给定消息整体替换本地状态，dirty 指定替换后的脏标记。
func (c *ConversationCache) Replace(ctx context.Context, key model.ConversationKey, msgs []model.Message, dirty bool) (*model.ConversationEntry, error) {
	return c.mutate(ctx, key, func(e *model.ConversationEntry) error {
		e.Messages = make([]model.Message, len(msgs))
		for i, m := range msgs {
			e.Messages[i] = m.Clone()
		}
		e.Dirty = dirty
		return nil
	})
}

// MarkDirty 把条目标记为需要同步。
func (c *ConversationCache) MarkDirty(ctx context.Context, key model.ConversationKey) (*model.ConversationEntry, error) {
	return c.mutate(ctx, key, func(e *model.ConversationEntry) error {
		e.Dirty = true
		return nil
	})
}

// FlushIfDirty 在条目为脏时调用 flush。只有 flush 成功且期间没有新的修改，
// 才清除脏标记。远端调用期间不持有会话锁。
func (c *ConversationCache) FlushIfDirty(ctx context.Context, key model.ConversationKey, flush FlushFunc) (bool, error) {
	entry, found, err := c.Load(ctx, key)
	if err != nil {
		return false, err
	}
	if !found || !entry.Dirty {
		return false, nil
	}

	if err := flush(ctx, entry); err != nil {
		return false, err
	}

	unlock, err := c.locks.Lock(ctx, key.String())
	if err != nil {
		return false, err
	}
	defer unlock()
	current, err := c.lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if current == nil || current.Version != entry.Version {
		// 期间发生了新的修改，保留脏标记等待下一次同步
		return true, nil
	}
	clean := current.Clone()
	clean.Dirty = false
	if err := c.store.Put(ctx, clean); err != nil {
		return true, err
	}
	if c.entries.Contains(key) {
		c.entries.Add(key, clean)
	}
	return true, nil
}

// Remove 删除会话的本地状态，不触发淘汰回调。
func (c *ConversationCache) Remove(ctx context.Context, key model.ConversationKey) error {
	unlock, err := c.locks.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()
	c.entries.Remove(key)
	c.discardPending(key)
	return c.store.Delete(ctx, key)
}

// KeysForOwner 返回某账号在本地持有的全部会话。
func (c *ConversationCache) KeysForOwner(ctx context.Context, owner string) ([]model.ConversationKey, error) {
	seen := make(map[model.ConversationKey]struct{})
	var keys []model.ConversationKey
	for _, k := range c.entries.Keys() {
		key := k.(model.ConversationKey)
		if key.Owner == owner {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	stored, err := c.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, key := range stored {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Len 返回内存中的会话数量。
func (c *ConversationCache) Len() int {
	return c.entries.Len()
}

// Contains 判断会话是否在内存中。
func (c *ConversationCache) Contains(key model.ConversationKey) bool {
	return c.entries.Contains(key)
}

// processEvictions 处理被淘汰的条目：脏条目先交给回调同步，
// 同步成功或本就干净的条目从持久层删除；同步失败的条目留在持久层。
func (c *ConversationCache) processEvictions(ctx context.Context) {
	for _, entry := range c.takePending() {
		c.handleEvicted(ctx, entry)
	}
}

func (c *ConversationCache) handleEvicted(ctx context.Context, entry *model.ConversationEntry) {
	unlock, err := c.locks.Lock(ctx, entry.Key.String())
	if err != nil {
		return
	}
	defer unlock()
	if c.entries.Contains(entry.Key) {
		return
	}
	metrics.CacheEvictions.Inc()

	if entry.Dirty {
		c.mu.Lock()
		hook := c.onEvict
		c.mu.Unlock()
		if hook == nil {
			log.Warnf("淘汰的会话 %s 尚未同步，保留在持久层", entry.Key)
			return
		}
		if err := hook(ctx, entry.Clone()); err != nil {
			log.Errorf("淘汰会话 %s 时同步失败，保留在持久层: %v", entry.Key, err)
			return
		}
	}
	if err := c.store.Delete(ctx, entry.Key); err != nil {
		log.Errorf("删除淘汰会话 %s 失败: %v", entry.Key, err)
	}
}
