package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"mydouble-go/pkg/log"
)

// Redis is a Locker backed by redsync, for deployments running several
// replicas against one ledger.
type Redis struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
}

// NewRedis creates a distributed Locker. Keys are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string, expiry time.Duration) *Redis {
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		expiry: expiry,
	}
}

// Lock acquires the distributed mutex for key.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	mutex := r.rs.NewMutex(r.prefix+key, redsync.WithExpiry(r.expiry), redsync.WithTries(64))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := mutex.UnlockContext(context.Background()); err != nil {
				log.Errorf("释放分布式锁失败 key=%s: %v", key, err)
			}
		})
	}, nil
}
