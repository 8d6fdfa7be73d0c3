// Package pipeline 定义了生成任务的轮询流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mydouble-go/internal/config"
	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/kafka"
	"mydouble-go/pkg/keylock"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/metrics"
	"mydouble-go/pkg/retry"
	"mydouble-go/pkg/synthesis"
	"mydouble-go/pkg/tasks"
)

const (
	defaultInterval         = 2 * time.Second
	defaultMaxAttempts      = 60
	defaultTransportBackoff = 3 * time.Second
)

var (
	// ErrAlreadyPolling 表示该任务已有一个活跃的轮询。
	ErrAlreadyPolling = errors.New("job is already being polled")
	// ErrPollerClosed 表示轮询器已经关闭。
	ErrPollerClosed = errors.New("poller is shut down")
	// ErrJobTerminal 表示任务已经处于终态。
	ErrJobTerminal = errors.New("job already reached a terminal state")
)

// Refunder 退还失败任务的扣费。任务的 Charged 标记未落库时，以账本中的扣减记录为准。
type Refunder interface {
	Refund(ctx context.Context, accountID string, amount int, causeRef, description string) (*model.CreditTransaction, error)
	IsCharged(ctx context.Context, accountID, causeRef string) (bool, error)
}

// MessageUpdater 把任务状态写回会话消息。*cache.ConversationCache 满足该接口。
type MessageUpdater interface {
	Update(ctx context.Context, key model.ConversationKey, messageID string, patch model.MessagePatch) (*model.ConversationEntry, error)
}

// CompletionHook 在任务完成时创建资源。
type CompletionHook func(ctx context.Context, job *model.GenerationJob) (*model.Asset, error)

// Options 汇总 Poller 的协作方，除 Client 与 Jobs 外都可以为空。
type Options struct {
	Client     synthesis.Client
	Jobs       repository.JobRepository
	Refunder   Refunder
	Messages   MessageUpdater
	Publisher  kafka.Publisher
	OnComplete CompletionHook
}

type handle struct {
	key    model.ConversationKey
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller 为每个非终态任务运行一个独立的轮询循环。
// 同一任务的轮询串行执行，每次轮询前都会检查取消信号。
type Poller struct {
	opts  Options
	cfg   config.PollerConfig
	locks *keylock.Local
	now   func() time.Time

	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
	wg      sync.WaitGroup
}

// NewPoller 创建一个新的 Poller 实例。
func NewPoller(cfg config.PollerConfig, opts Options) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.TransportBackoff <= 0 {
		cfg.TransportBackoff = defaultTransportBackoff
	}
	base, cancel := context.WithCancel(context.Background())
	return &Poller{
		opts:       opts,
		cfg:        cfg,
		locks:      keylock.NewLocal(),
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
		handles:    make(map[string]*handle),
	}
}

// Submit 把请求交给合成服务，返回任务令牌。
func (p *Poller) Submit(ctx context.Context, payload synthesis.Payload) (string, error) {
	jobID, err := p.opts.Client.Submit(ctx, payload)
	outcome := "accepted"
	switch {
	case errors.Is(err, synthesis.ErrTransport):
		outcome = "transport_error"
	case err != nil:
		outcome = "rejected"
	}
	metrics.JobsSubmitted.WithLabelValues(outcome).Inc()
	if err != nil {
		log.Errorf("[Poller] 提交合成任务失败: %v", err)
		return "", err
	}
	return jobID, nil
}

// Start 为任务启动轮询。Submitted 状态的任务先迁移到 Polling。
func (p *Poller) Start(ctx context.Context, job *model.GenerationJob) error {
	if job.Status.IsTerminal() {
		return ErrJobTerminal
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	if _, exists := p.handles[job.ID]; exists {
		p.mu.Unlock()
		return ErrAlreadyPolling
	}
	taskCtx, cancel := context.WithCancel(p.base)
	h := &handle{
		key:    model.ConversationKey{Owner: job.AccountID, ConversationID: job.ConversationID},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.handles[job.ID] = h
	p.wg.Add(1)
	p.mu.Unlock()

	if job.Status == model.JobSubmitted {
		job.Status = model.JobPolling
		if err := p.opts.Jobs.Save(ctx, job); err != nil {
			p.release(job.ID, h)
			return fmt.Errorf("save polling job: %w", err)
		}
		p.updateMessage(ctx, job, nil)
		p.publish(ctx, job, "")
	}

	metrics.ActivePollers.Inc()
	log.Infof("[Poller] 开始轮询任务 %s, 账户: %s, 会话: %s", job.ID, job.AccountID, job.ConversationID)
	go p.run(taskCtx, job.ID, h)
	return nil
}

func (p *Poller) release(jobID string, h *handle) {
	p.mu.Lock()
	if p.handles[jobID] == h {
		delete(p.handles, jobID)
	}
	p.mu.Unlock()
	h.cancel()
	close(h.done)
	p.wg.Done()
}

func (p *Poller) run(ctx context.Context, jobID string, h *handle) {
	defer metrics.ActivePollers.Dec()
	defer p.release(jobID, h)

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("[Poller] 任务 %s 的轮询已取消", jobID)
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}

		status, err := p.PollOnce(ctx, jobID)
		if status.IsTerminal() {
			return
		}
		next := p.cfg.Interval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, repository.ErrNotFound) {
				log.Errorf("[Poller] 任务 %s 不存在，停止轮询", jobID)
				return
			}
			next = p.cfg.TransportBackoff
		}
		timer.Reset(next)
	}
}

// PollOnce 查询一次任务状态并推进生命周期，返回推进后的状态。
// 传输错误也计入尝试次数；达到上限后任务超时。
func (p *Poller) PollOnce(ctx context.Context, jobID string) (model.JobStatus, error) {
	unlock, err := p.locks.Lock(ctx, jobID)
	if err != nil {
		return "", err
	}
	defer unlock()

	job, err := p.opts.Jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status.IsTerminal() {
		return job.Status, nil
	}

	st, statusErr := p.opts.Client.Status(ctx, jobID)
	if statusErr != nil && ctx.Err() != nil {
		return job.Status, ctx.Err()
	}
	job.Attempts++

	if statusErr != nil {
		job.LastError = statusErr.Error()
		log.Warnf("[Poller] 查询任务 %s 状态失败 (第 %d 次): %v", jobID, job.Attempts, statusErr)
		if job.Attempts >= p.cfg.MaxAttempts {
			return p.finish(ctx, job, model.JobTimedOut, "polling attempts exhausted: "+statusErr.Error())
		}
		return p.progress(ctx, job, statusErr)
	}

	job.LastError = ""
	switch st.State {
	case synthesis.StateReady:
		job.AssetRef = st.AssetRef
		return p.finish(ctx, job, model.JobCompleted, "")
	case synthesis.StateError:
		return p.finish(ctx, job, model.JobFailed, st.ErrorDetail)
	}
	if job.Attempts >= p.cfg.MaxAttempts {
		return p.finish(ctx, job, model.JobTimedOut, fmt.Sprintf("no result after %d attempts", job.Attempts))
	}
	return p.progress(ctx, job, nil)
}

func (p *Poller) progress(ctx context.Context, job *model.GenerationJob, cause error) (model.JobStatus, error) {
	if err := p.opts.Jobs.Save(ctx, job); err != nil {
		return job.Status, err
	}
	p.updateMessage(ctx, job, nil)
	return job.Status, cause
}

// finish 把任务推进到终态。完成后的收尾不受轮询取消影响。
func (p *Poller) finish(ctx context.Context, job *model.GenerationJob, to model.JobStatus, reason string) (model.JobStatus, error) {
	ctx = context.WithoutCancel(ctx)
	if !job.Status.CanTransition(to) {
		return job.Status, fmt.Errorf("illegal job transition %s -> %s", job.Status, to)
	}

	var asset *model.Asset
	if to == model.JobCompleted && p.opts.OnComplete != nil {
		created, err := p.opts.OnComplete(ctx, job)
		if err != nil {
			log.Errorf("[Poller] 任务 %s 创建资源失败，稍后重试: %v", job.ID, err)
			if saveErr := p.opts.Jobs.Save(ctx, job); saveErr != nil {
				return job.Status, saveErr
			}
			return job.Status, err
		}
		asset = created
	}

	now := p.now()
	job.Status = to
	job.FailureReason = reason
	job.CompletedAt = &now

	if to == model.JobFailed || to == model.JobTimedOut {
		if err := p.settleRefund(ctx, job); err != nil {
			log.Errorf("[Poller] 任务 %s 退款失败，等待补偿扫描: %v", job.ID, err)
		}
	}

	if err := p.opts.Jobs.Save(ctx, job); err != nil {
		return job.Status, fmt.Errorf("save terminal job: %w", err)
	}
	p.updateMessage(ctx, job, asset)

	assetID := ""
	if asset != nil {
		assetID = asset.ID
	}
	p.publish(ctx, job, assetID)
	metrics.JobsTerminal.WithLabelValues(string(to)).Inc()
	metrics.JobPollAttempts.Observe(float64(job.Attempts))
	log.Infow("job finished", "job", job.ID, "status", to, "attempts", job.Attempts, "reason", reason, "refunded", job.Refunded)
	return to, nil
}

// settleRefund 为失败或超时的任务退款，成功后置 Refunded。
func (p *Poller) settleRefund(ctx context.Context, job *model.GenerationJob) error {
	if job.Refunded || p.opts.Refunder == nil {
		return nil
	}
	if !job.Charged {
		charged, err := p.opts.Refunder.IsCharged(ctx, job.AccountID, job.ChargeRef)
		if err != nil {
			return err
		}
		if !charged {
			return nil
		}
		job.Charged = true
	}
	if err := p.refund(ctx, job); err != nil {
		return err
	}
	job.Refunded = true
	return nil
}

// RetryRefunds 为已扣费但尚未退款的失败任务补做退款，accountID 为空时扫描全部账户。
// 返回本次完成退款的任务数。
func (p *Poller) RetryRefunds(ctx context.Context, accountID string) (int, error) {
	if p.opts.Refunder == nil {
		return 0, nil
	}
	pending, err := p.opts.Jobs.ListUnrefunded(ctx, accountID)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for i := range pending {
		ok, err := p.retryRefund(ctx, pending[i].ID)
		if err != nil {
			if ctx.Err() != nil {
				return refunded, ctx.Err()
			}
			log.Errorf("[Poller] 补偿退款任务 %s 失败: %v", pending[i].ID, err)
			continue
		}
		if ok {
			refunded++
		}
	}
	if refunded > 0 {
		log.Infof("[Poller] 补偿退款完成 %d 个任务", refunded)
	}
	return refunded, nil
}

func (p *Poller) retryRefund(ctx context.Context, jobID string) (bool, error) {
	unlock, err := p.locks.Lock(ctx, jobID)
	if err != nil {
		return false, err
	}
	defer unlock()

	job, err := p.opts.Jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Refunded || (job.Status != model.JobFailed && job.Status != model.JobTimedOut) {
		return false, nil
	}
	if err := p.settleRefund(ctx, job); err != nil {
		return false, err
	}
	if !job.Refunded {
		return false, nil
	}
	if err := p.opts.Jobs.Save(ctx, job); err != nil {
		return false, fmt.Errorf("save refunded job: %w", err)
	}
	log.Infow("job refunded", "job", job.ID, "account", job.AccountID, "status", job.Status)
	return true, nil
}

func (p *Poller) refund(ctx context.Context, job *model.GenerationJob) error {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = 2
	return retry.Execute(ctx, policy, func(ctx context.Context, attempt int) error {
		_, err := p.opts.Refunder.Refund(ctx, job.AccountID, job.Cost, job.ChargeRef, "生成失败退款: "+string(job.Status))
		return err
	})
}

func (p *Poller) updateMessage(ctx context.Context, job *model.GenerationJob, asset *model.Asset) {
	if p.opts.Messages == nil {
		return
	}
	patch := model.MessagePatch{Job: job.View()}
	if asset != nil {
		patch.Asset = asset.View()
	}
	key := model.ConversationKey{Owner: job.AccountID, ConversationID: job.ConversationID}
	if _, err := p.opts.Messages.Update(ctx, key, job.MessageID, patch); err != nil {
		log.Warnf("[Poller] 更新会话 %s 中的消息 %s 失败: %v", key, job.MessageID, err)
	}
}

func (p *Poller) publish(ctx context.Context, job *model.GenerationJob, assetID string) {
	if p.opts.Publisher == nil {
		return
	}
	event := tasks.JobEvent{
		JobID:          job.ID,
		AccountID:      job.AccountID,
		ConversationID: job.ConversationID,
		MessageID:      job.MessageID,
		Status:         string(job.Status),
		Attempts:       job.Attempts,
		AssetID:        assetID,
		Reason:         job.FailureReason,
		OccurredAt:     p.now(),
	}
	if err := p.opts.Publisher.Publish(ctx, event); err != nil {
		log.Errorf("[Poller] 发布任务事件失败, job: %s, status: %s: %v", job.ID, job.Status, err)
	}
}

// Cancel 停止任务的轮询并等待循环退出，任务本身保持原状态。
func (p *Poller) Cancel(jobID string) bool {
	p.mu.Lock()
	h, ok := p.handles[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

// CancelConversation 停止某个会话下的全部轮询，返回停止的数量。
func (p *Poller) CancelConversation(key model.ConversationKey) int {
	p.mu.Lock()
	var targets []*handle
	for _, h := range p.handles {
		if h.key == key {
			targets = append(targets, h)
		}
	}
	p.mu.Unlock()
	for _, h := range targets {
		h.cancel()
		<-h.done
	}
	return len(targets)
}

// IsActive 判断任务是否正在轮询。
func (p *Poller) IsActive(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handles[jobID]
	return ok
}

// Active 返回活跃轮询的数量。
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Shutdown 停止接收新任务并取消全部轮询，等待循环退出或 ctx 结束。
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancelBase()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
