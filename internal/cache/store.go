// Package cache 实现会话的本地写透缓存：内存 LRU 加可跨重启保存的持久层。
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"mydouble-go/internal/model"
)

// Store 是缓存的持久层，进程重启后可从中恢复最近的会话。
type Store interface {
	Get(ctx context.Context, key model.ConversationKey) (*model.ConversationEntry, error)
	Put(ctx context.Context, entry *model.ConversationEntry) error
	Delete(ctx context.Context, key model.ConversationKey) error
	// Recent 返回最近被修改的若干条目，按 TouchedAt 从新到旧。
	Recent(ctx context.Context, limit int) ([]*model.ConversationEntry, error)
	ListByOwner(ctx context.Context, owner string) ([]model.ConversationKey, error)
}

// MemoryStore 是进程内的 Store 实现。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[model.ConversationKey]*model.ConversationEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[model.ConversationKey]*model.ConversationEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, key model.ConversationKey) (*model.ConversationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, entry *model.ConversationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key model.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]*model.ConversationEntry, error) {
	s.mu.RLock()
	all := make([]*model.ConversationEntry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].TouchedAt.After(all[j].TouchedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]model.ConversationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []model.ConversationKey
	for k := range s.entries {
		if k.Owner == owner {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len 返回持久层中的条目数量。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func touch(e *model.ConversationEntry) {
	e.Version++
	e.TouchedAt = time.Now()
}
