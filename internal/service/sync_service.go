package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mydouble-go/internal/cache"
	"mydouble-go/internal/config"
	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/metrics"
	"mydouble-go/pkg/retry"
	"mydouble-go/pkg/tasks"
)

// MigrationResult 汇总一次匿名数据迁移。
type MigrationResult struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Skipped       int `json:"skipped"`
}

// SyncReconciler 负责本地缓存与远端存储之间的合并：加载时远端优先，
// 远端为空时本地是写入源。
type SyncReconciler struct {
	cache  *cache.ConversationCache
	remote repository.MessageRepository
	jobs   repository.JobRepository
	assets repository.AssetRepository
	policy retry.Policy
}

// NewSyncReconciler 创建一个新的 SyncReconciler 实例，并注册为缓存的淘汰回调。
func NewSyncReconciler(c *cache.ConversationCache, remote repository.MessageRepository, jobs repository.JobRepository, assets repository.AssetRepository, cfg config.SyncConfig) *SyncReconciler {
	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxRetries = cfg.MaxAttempts - 1
	}
	if cfg.InitialDelay > 0 {
		policy.InitialDelay = cfg.InitialDelay
	}
	policy.MaxDelay = 5 * time.Second
	s := &SyncReconciler{cache: c, remote: remote, jobs: jobs, assets: assets, policy: policy}
	c.SetEvictHook(s.onEvict)
	return s
}

// Reconcile 合并一个会话。远端有消息时整体替换本地；远端为空时把本地推送上去。
// 远端不可用时返回本地已知状态。匿名账号只使用本地。
func (s *SyncReconciler) Reconcile(ctx context.Context, key model.ConversationKey) (*model.ConversationEntry, error) {
	if model.IsGuestAccount(key.Owner) {
		entry, _, err := s.cache.Load(ctx, key)
		return entry, err
	}

	remote, err := retry.ExecuteWithResult(ctx, s.policy, func(ctx context.Context, attempt int) ([]model.Message, error) {
		return s.remote.ListMessages(ctx, key.Owner, key.ConversationID)
	})
	if err != nil {
		log.Warnf("[SyncReconciler] 读取远端会话 %s 失败，使用本地状态: %v", key, err)
		entry, _, loadErr := s.cache.Load(ctx, key)
		return entry, loadErr
	}

	if len(remote) > 0 {
		entry, err := s.cache.Replace(ctx, key, remote, false)
		if err != nil {
			return nil, err
		}
		log.Debugf("[SyncReconciler] 会话 %s 使用远端 %d 条消息", key, len(remote))
		return entry, nil
	}

	local, found, err := s.cache.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if found && len(local.Messages) > 0 {
		if !local.Dirty {
			if _, err := s.cache.MarkDirty(ctx, key); err != nil {
				return nil, err
			}
		}
		if _, err := s.Flush(ctx, key); err != nil {
			log.Warnf("[SyncReconciler] 推送本地会话 %s 失败，保留脏标记: %v", key, err)
		}
		local, _, err = s.cache.Load(ctx, key)
		if err != nil {
			return nil, err
		}
	}
	return local, nil
}

// Flush 把脏条目推送到远端，成功后清除脏标记。
func (s *SyncReconciler) Flush(ctx context.Context, key model.ConversationKey) (bool, error) {
	if model.IsGuestAccount(key.Owner) {
		return false, nil
	}
	flushed, err := s.cache.FlushIfDirty(ctx, key, s.push)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !flushed:
		outcome = "clean"
	}
	metrics.SyncFlushes.WithLabelValues(outcome).Inc()
	return flushed, err
}

// push 对比远端消息，追加缺失的消息，修补有差异的消息。
func (s *SyncReconciler) push(ctx context.Context, entry *model.ConversationEntry) error {
	owner, conv := entry.Key.Owner, entry.Key.ConversationID
	remote, err := retry.ExecuteWithResult(ctx, s.policy, func(ctx context.Context, attempt int) ([]model.Message, error) {
		return s.remote.ListMessages(ctx, owner, conv)
	})
	if err != nil {
		return fmt.Errorf("list remote messages: %w", err)
	}
	known := make(map[string]model.Message, len(remote))
	for _, m := range remote {
		known[m.ID] = m
	}

	for _, m := range entry.Messages {
		msg := m
		existing, ok := known[msg.ID]
		switch {
		case !ok:
			err = retry.Execute(ctx, s.policy, func(ctx context.Context, attempt int) error {
				return s.remote.AppendMessage(ctx, owner, conv, msg)
			})
		case !existing.Equal(msg):
			content := msg.Content
			patch := model.MessagePatch{Content: &content, Job: msg.Job, Asset: msg.Asset}
			err = retry.Execute(ctx, s.policy, func(ctx context.Context, attempt int) error {
				return s.remote.PatchMessage(ctx, owner, msg.ID, patch)
			})
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("push message %s: %w", msg.ID, err)
		}
	}
	return nil
}

// onEvict 是缓存的淘汰回调。匿名会话不同步，直接丢弃。
func (s *SyncReconciler) onEvict(ctx context.Context, entry *model.ConversationEntry) error {
	if model.IsGuestAccount(entry.Key.Owner) {
		log.Infof("[SyncReconciler] 丢弃被淘汰的匿名会话 %s", entry.Key)
		return nil
	}
	return s.push(ctx, entry)
}

// HandleJobEvent 在任务状态变化后同步所属会话。
// 会话不在本地时直接修补远端消息。
func (s *SyncReconciler) HandleJobEvent(ctx context.Context, event tasks.JobEvent) error {
	key := model.ConversationKey{Owner: event.AccountID, ConversationID: event.ConversationID}
	if model.IsGuestAccount(key.Owner) {
		return nil
	}
	flushed, err := s.Flush(ctx, key)
	if err != nil {
		return err
	}
	if flushed {
		return nil
	}

	job, err := s.jobs.Get(ctx, event.JobID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	patch := model.MessagePatch{Job: job.View()}
	if event.AssetID != "" {
		if asset, err := s.assets.Get(ctx, event.AssetID); err == nil {
			patch.Asset = asset.View()
		}
	}
	err = s.remote.PatchMessage(ctx, job.AccountID, job.MessageID, patch)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func migrationToken(guestID, conversationID string) string {
	return "migrate:" + guestID + ":" + conversationID
}

// MigrateAnonymousData 把匿名账号的本地会话转移到新账号下，并清除匿名条目。
// 每个会话以迁移令牌去重，重复调用不会产生重复消息。
func (s *SyncReconciler) MigrateAnonymousData(ctx context.Context, guestID, accountID string) (*MigrationResult, error) {
	res := &MigrationResult{}
	if guestID == "" || !model.IsGuestAccount(guestID) || model.IsGuestAccount(accountID) {
		return res, nil
	}

	keys, err := s.cache.KeysForOwner(ctx, guestID)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		entry, found, err := s.cache.Load(ctx, key)
		if err != nil {
			return res, err
		}
		if !found || len(entry.Messages) == 0 {
			if err := s.cache.Remove(ctx, key); err != nil {
				return res, err
			}
			continue
		}

		token := migrationToken(guestID, key.ConversationID)
		done, err := s.remote.HasMigration(ctx, token)
		if err != nil {
			return res, err
		}
		if done {
			res.Skipped++
		} else {
			for _, m := range entry.Messages {
				msg := m
				err := retry.Execute(ctx, s.policy, func(ctx context.Context, attempt int) error {
					return s.remote.AppendMessage(ctx, accountID, key.ConversationID, msg)
				})
				if err != nil {
					return res, fmt.Errorf("migrate message %s: %w", msg.ID, err)
				}
			}
			rec := &model.MigrationRecord{
				Token:         token,
				FromAccount:   guestID,
				ToAccount:     accountID,
				Conversations: 1,
				Messages:      len(entry.Messages),
			}
			if err := s.remote.RecordMigration(ctx, rec); err != nil {
				return res, err
			}
			res.Conversations++
			res.Messages += len(entry.Messages)
		}

		target := model.ConversationKey{Owner: accountID, ConversationID: key.ConversationID}
		if _, err := s.cache.Replace(ctx, target, entry.Messages, false); err != nil {
			return res, err
		}
		if err := s.cache.Remove(ctx, key); err != nil {
			return res, err
		}
	}

	if _, err := s.jobs.Reassign(ctx, guestID, accountID); err != nil {
		return res, err
	}
	if _, err := s.assets.Reassign(ctx, guestID, accountID); err != nil {
		return res, err
	}
	if res.Conversations > 0 || res.Skipped > 0 {
		log.Infow("anonymous data migrated", "guest", guestID, "account", accountID,
			"conversations", res.Conversations, "messages", res.Messages, "skipped", res.Skipped)
	}
	return res, nil
}
