package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mydouble-go/internal/cache"
	"mydouble-go/internal/config"
	"mydouble-go/internal/model"
	"mydouble-go/internal/pipeline"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/kafka"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/retry"
	"mydouble-go/pkg/synthesis"
)

// SubmitRequest 是一次生成请求。RequestID 由客户端生成，用作扣费的幂等键。
type SubmitRequest struct {
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
	Prompt         string `json:"prompt"`
	ImageURL       string `json:"imageUrl"`
	AudioURL       string `json:"audioUrl"`
	Resolution     string `json:"resolution"`
	LockAsset      bool   `json:"lockAsset"`
}

// SubmitResult 是提交成功后的结果。
type SubmitResult struct {
	Job              *model.GenerationJob `json:"job"`
	UserMessage      model.Message        `json:"userMessage"`
	AssistantMessage model.Message        `json:"assistantMessage"`
	Balance          int                  `json:"balance"`
}

// JobStatusResult 是任务查询的结果。
type JobStatusResult struct {
	Job    *model.GenerationJob `json:"job"`
	Asset  *model.AssetView     `json:"asset,omitempty"`
	Active bool                 `json:"active"`
}

// ConversationView 是返回给调用方的会话。
type ConversationView struct {
	ConversationID string          `json:"conversationId"`
	Messages       []model.Message `json:"messages"`
	Dirty          bool            `json:"dirty"`
}

// GenerationDeps 汇总 GenerationService 的依赖。
type GenerationDeps struct {
	Config     *config.Config
	Ledger     CreditLedger
	Gate       UnlockGate
	Sync       *SyncReconciler
	Cache      *cache.ConversationCache
	Jobs       repository.JobRepository
	Assets     repository.AssetRepository
	Client     synthesis.Client
	Publisher  kafka.Publisher
	Invariants Invariants
}

// GenerationService 把账本、解锁、轮询、缓存与同步组合成调用方使用的操作。
type GenerationService struct {
	cfg        *config.Config
	ledger     CreditLedger
	gate       UnlockGate
	sync       *SyncReconciler
	cache      *cache.ConversationCache
	jobs       repository.JobRepository
	assets     repository.AssetRepository
	poller     *pipeline.Poller
	invariants Invariants
	now        func() time.Time
}

// NewGenerationService 创建一个新的 GenerationService，并创建它所拥有的 Poller。
func NewGenerationService(d GenerationDeps) *GenerationService {
	s := &GenerationService{
		cfg:        d.Config,
		ledger:     d.Ledger,
		gate:       d.Gate,
		sync:       d.Sync,
		cache:      d.Cache,
		jobs:       d.Jobs,
		assets:     d.Assets,
		invariants: d.Invariants,
		now:        time.Now,
	}
	s.poller = pipeline.NewPoller(d.Config.Poller, pipeline.Options{
		Client:     d.Client,
		Jobs:       d.Jobs,
		Refunder:   d.Ledger,
		Messages:   d.Cache,
		Publisher:  d.Publisher,
		OnComplete: s.createAsset,
	})
	return s
}

// Poller 返回内部的轮询器。
func (s *GenerationService) Poller() *pipeline.Poller {
	return s.poller
}

// SubmitGenerationJob 预占积分，提交合成请求，扣费并开始轮询。
// 合成服务拒绝时释放预占，不产生任何扣费。
func (s *GenerationService) SubmitGenerationJob(ctx context.Context, accountID string, req SubmitRequest) (*SubmitResult, error) {
	if req.ConversationID == "" {
		return nil, ErrConversationRequired
	}
	if req.ImageURL == "" || req.AudioURL == "" {
		return nil, fmt.Errorf("%w: imageUrl and audioUrl are required", ErrInvalidRequest)
	}
	resolution := strings.ToLower(req.Resolution)
	if resolution == "" {
		resolution = strings.ToLower(s.cfg.Synthesis.DefaultResolution)
	}
	cost, ok := s.cfg.Credits.CostFor(resolution, s.cfg.Synthesis.DefaultResolution)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, req.Resolution)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	chargeRef := "job:" + req.RequestID

	// 同一 requestId 的并发提交只有一个能拿到预占，其余得到 ErrReservationInFlight
	if _, err := s.ledger.CheckAndReserve(ctx, accountID, cost, chargeRef); err != nil {
		return nil, err
	}

	jobID, err := s.poller.Submit(ctx, synthesis.Payload{
		ImageURL:   req.ImageURL,
		AudioURL:   req.AudioURL,
		Prompt:     req.Prompt,
		Resolution: resolution,
	})
	if err != nil {
		if releaseErr := s.ledger.Release(context.WithoutCancel(ctx), accountID, chargeRef); releaseErr != nil {
			log.Error("释放生成预占失败", releaseErr)
		}
		return nil, &SubmissionError{Transient: errors.Is(err, synthesis.ErrTransport), Err: err}
	}

	// 合成服务已接受请求，之后的收尾不受调用方取消影响
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	job := &model.GenerationJob{
		ID:             jobID,
		RequestID:      req.RequestID,
		AccountID:      accountID,
		ConversationID: req.ConversationID,
		MessageID:      uuid.NewString(),
		Resolution:     resolution,
		Cost:           cost,
		ChargeRef:      chargeRef,
		LockAsset:      req.LockAsset,
		Status:         model.JobSubmitted,
		RequestedAt:    now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		_ = s.ledger.Release(ctx, accountID, chargeRef)
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := s.ledger.Deduct(ctx, accountID, cost, chargeRef, fmt.Sprintf("生成视频 %s", resolution)); err != nil {
		log.Errorf("[GenerationService] 任务 %s 扣费失败: %v", jobID, err)
		job.Status = model.JobFailed
		job.FailureReason = "credit deduction failed"
		job.CompletedAt = &now
		if saveErr := s.jobs.Save(ctx, job); saveErr != nil {
			log.Error("保存扣费失败的任务失败", saveErr)
		}
		return nil, err
	}
	job.Charged = true
	if err := s.saveCharged(ctx, job); err != nil {
		// 扣费已生效；轮询结束时以账本记录为准决定是否退款
		log.Errorf("[GenerationService] 保存任务 %s 的扣费标记失败: %v", job.ID, err)
	}

	key := model.ConversationKey{Owner: accountID, ConversationID: req.ConversationID}
	userMsg := model.Message{ID: uuid.NewString(), Role: model.RoleUserMessage, Content: req.Prompt, CreatedAt: now}
	assistantMsg := model.Message{ID: job.MessageID, Role: model.RoleAssistantMessage, Job: job.View(), CreatedAt: now.Add(time.Millisecond)}
	if _, err := s.cache.Append(ctx, key, userMsg, assistantMsg); err != nil {
		log.Errorf("[GenerationService] 写入会话 %s 失败: %v", key, err)
	}

	if err := s.poller.Start(ctx, job); err != nil {
		if errors.Is(err, pipeline.ErrAlreadyPolling) {
			return nil, s.invariants.Violation("duplicate_poller", "job %s already has a live poller", job.ID)
		}
		log.Warnf("[GenerationService] 任务 %s 暂未开始轮询，将在会话加载时恢复: %v", job.ID, err)
	}
	s.flush(ctx, key)

	balance, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	log.Infow("generation job submitted", "account", accountID, "job", job.ID, "conversation", req.ConversationID, "cost", cost)

	started, err := s.jobs.Get(ctx, job.ID)
	if err != nil {
		started = job
	}
	assistantMsg.Job = started.View()
	return &SubmitResult{Job: started, UserMessage: userMsg, AssistantMessage: assistantMsg, Balance: balance}, nil
}

func (s *GenerationService) saveCharged(ctx context.Context, job *model.GenerationJob) error {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = 2
	policy.InitialDelay = 50 * time.Millisecond
	return retry.Execute(ctx, policy, func(ctx context.Context, attempt int) error {
		return s.jobs.Save(ctx, job)
	})
}

func (s *GenerationService) flush(ctx context.Context, key model.ConversationKey) {
	if _, err := s.sync.Flush(ctx, key); err != nil {
		log.Warnf("[GenerationService] 同步会话 %s 失败，保留脏标记: %v", key, err)
	}
}

func (s *GenerationService) ownedJob(ctx context.Context, accountID, jobID string) (*model.GenerationJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, ErrForbidden
	}
	return job, nil
}

// GetJobStatus 返回任务的当前状态与生成的资源（如有）。
func (s *GenerationService) GetJobStatus(ctx context.Context, accountID, jobID string) (*JobStatusResult, error) {
	job, err := s.ownedJob(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	res := &JobStatusResult{Job: job, Active: s.poller.IsActive(job.ID)}
	if job.Status == model.JobCompleted {
		if asset, err := s.assets.GetByJob(ctx, job.ID); err == nil {
			res.Asset = asset.View()
		}
	}
	return res, nil
}

// UnlockAsset 解锁资源并更新所在消息。
func (s *GenerationService) UnlockAsset(ctx context.Context, accountID, assetID string) (*UnlockResult, error) {
	res, err := s.gate.Unlock(ctx, accountID, assetID)
	if err != nil {
		return nil, err
	}
	key := model.ConversationKey{Owner: accountID, ConversationID: res.Asset.ConversationID}
	if _, err := s.cache.Update(ctx, key, res.Asset.MessageID, model.MessagePatch{Asset: res.Asset.View()}); err != nil {
		log.Warnf("[GenerationService] 更新资源 %s 所在消息失败: %v", assetID, err)
	}
	s.flush(ctx, key)
	return res, nil
}

// ResolveAssetContent 返回已解锁资源的内容地址。
func (s *GenerationService) ResolveAssetContent(ctx context.Context, accountID, assetID string) (string, error) {
	return s.gate.ResolveContent(ctx, accountID, assetID)
}

// LoadConversation 合并本地与远端状态，修复过期的任务快照，并恢复未完成任务的轮询。
func (s *GenerationService) LoadConversation(ctx context.Context, accountID, conversationID string) (*ConversationView, error) {
	if conversationID == "" {
		return nil, ErrConversationRequired
	}
	key := model.ConversationKey{Owner: accountID, ConversationID: conversationID}
	entry, err := s.sync.Reconcile(ctx, key)
	if err != nil {
		return nil, err
	}

	repaired := false
	for _, m := range entry.Messages {
		if m.Job == nil || m.Job.Status.IsTerminal() {
			continue
		}
		job, err := s.jobs.Get(ctx, m.Job.ID)
		if err != nil || !job.Status.IsTerminal() {
			continue
		}
		patch := model.MessagePatch{Job: job.View()}
		if asset, err := s.assets.GetByJob(ctx, job.ID); err == nil {
			patch.Asset = asset.View()
		}
		if _, err := s.cache.Update(ctx, key, m.ID, patch); err == nil {
			repaired = true
		}
	}
	if repaired {
		s.flush(ctx, key)
	}

	if err := s.resume(ctx, accountID, conversationID); err != nil {
		log.Warnf("[GenerationService] 恢复会话 %s 的轮询失败: %v", key, err)
	}
	if _, err := s.poller.RetryRefunds(ctx, accountID); err != nil {
		log.Warnf("[GenerationService] 账户 %s 补偿退款失败: %v", accountID, err)
	}

	current, _, err := s.cache.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	return &ConversationView{ConversationID: conversationID, Messages: current.Messages, Dirty: current.Dirty}, nil
}

func (s *GenerationService) resume(ctx context.Context, accountID, conversationID string) error {
	active, err := s.jobs.ListActive(ctx, accountID, conversationID)
	if err != nil {
		return err
	}
	for i := range active {
		job := &active[i]
		if s.poller.IsActive(job.ID) {
			continue
		}
		err := s.poller.Start(ctx, job)
		if err != nil && !errors.Is(err, pipeline.ErrAlreadyPolling) {
			return err
		}
		if err == nil {
			log.Infof("[GenerationService] 恢复任务 %s 的轮询", job.ID)
		}
	}
	return nil
}

// AppendUserMessage 追加一条普通的用户消息。
func (s *GenerationService) AppendUserMessage(ctx context.Context, accountID, conversationID, content string) (*model.Message, error) {
	if conversationID == "" {
		return nil, ErrConversationRequired
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidRequest)
	}
	key := model.ConversationKey{Owner: accountID, ConversationID: conversationID}
	msg := model.Message{ID: uuid.NewString(), Role: model.RoleUserMessage, Content: content, CreatedAt: s.now()}
	if _, err := s.cache.Append(ctx, key, msg); err != nil {
		return nil, err
	}
	s.flush(ctx, key)
	return &msg, nil
}

// CloseConversation 在会话视图关闭时停止其全部轮询并同步本地修改，返回停止的轮询数量。
func (s *GenerationService) CloseConversation(ctx context.Context, accountID, conversationID string) (int, error) {
	key := model.ConversationKey{Owner: accountID, ConversationID: conversationID}
	n := s.poller.CancelConversation(key)
	if _, err := s.sync.Flush(ctx, key); err != nil {
		return n, err
	}
	return n, nil
}

// RunRefundSweeper 启动时以及之后每隔 interval 为全部账户补做退款，直到 ctx 结束。
func (s *GenerationService) RunRefundSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.poller.RetryRefunds(ctx, ""); err != nil && ctx.Err() == nil {
			log.Errorf("[GenerationService] 补偿退款扫描失败: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown 停止全部轮询。
func (s *GenerationService) Shutdown(ctx context.Context) error {
	return s.poller.Shutdown(ctx)
}

// createAsset 在任务完成时创建资源。锁定的资源使用默认解锁价格。
func (s *GenerationService) createAsset(ctx context.Context, job *model.GenerationJob) (*model.Asset, error) {
	asset := &model.Asset{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		MessageID:      job.MessageID,
		ConversationID: job.ConversationID,
		AccountID:      job.AccountID,
		ContentRef:     job.AssetRef,
	}
	if (job.LockAsset || s.cfg.Unlock.LockAll) && s.cfg.Unlock.DefaultPrice > 0 {
		asset.UnlockPrice = s.cfg.Unlock.DefaultPrice
	} else {
		asset.Unlocked = true
	}
	return s.assets.Create(ctx, asset)
}
