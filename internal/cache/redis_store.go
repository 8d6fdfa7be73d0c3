package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"mydouble-go/internal/model"
)

const (
	entryKeyPrefix = "convcache:entry:"
	indexKey       = "convcache:index"
	ownerKeyPrefix = "convcache:owner:"
)

type redisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore 创建基于 Redis 的 Store：条目以 JSON 保存并带过期时间，
// 有序集合按最近修改时间索引全部条目。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) Store {
	return &redisStore{rdb: rdb, ttl: ttl}
}

func entryKey(key model.ConversationKey) string {
	return entryKeyPrefix + key.String()
}

func (s *redisStore) Get(ctx context.Context, key model.ConversationKey) (*model.ConversationEntry, error) {
	data, err := s.rdb.Get(ctx, entryKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation cache: %w", err)
	}
	var entry model.ConversationEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation cache: %w", err)
	}
	return &entry, nil
}

func (s *redisStore) Put(ctx context.Context, entry *model.ConversationEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation cache: %w", err)
	}
	member := entry.Key.String()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey(entry.Key), data, s.ttl)
		pipe.ZAdd(ctx, indexKey, &redis.Z{Score: float64(entry.TouchedAt.UnixNano()), Member: member})
		pipe.SAdd(ctx, ownerKeyPrefix+entry.Key.Owner, entry.Key.ConversationID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set conversation cache: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key model.ConversationKey) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKey(key))
		pipe.ZRem(ctx, indexKey, key.String())
		pipe.SRem(ctx, ownerKeyPrefix+key.Owner, key.ConversationID)
		return nil
	})
	return err
}

func (s *redisStore) Recent(ctx context.Context, limit int) ([]*model.ConversationEntry, error) {
	members, err := s.rdb.ZRevRange(ctx, indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation index: %w", err)
	}
	entries := make([]*model.ConversationEntry, 0, len(members))
	for _, m := range members {
		key, ok := parseMember(m)
		if !ok {
			continue
		}
		e, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if e == nil {
			// 条目已过期，清理索引
			_ = s.rdb.ZRem(ctx, indexKey, m).Err()
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *redisStore) ListByOwner(ctx context.Context, owner string) ([]model.ConversationKey, error) {
	ids, err := s.rdb.SMembers(ctx, ownerKeyPrefix+owner).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]model.ConversationKey, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, model.ConversationKey{Owner: owner, ConversationID: id})
	}
	return keys, nil
}

// parseMember 解析 "owner:conversationId"。账号 ID 不含冒号。
func parseMember(m string) (model.ConversationKey, bool) {
	i := strings.Index(m, ":")
	if i <= 0 || i == len(m)-1 {
		return model.ConversationKey{}, false
	}
	return model.ConversationKey{Owner: m[:i], ConversationID: m[i+1:]}, true
}
