package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mydouble-go/internal/config"
	"mydouble-go/internal/model"
	"mydouble-go/internal/repository"
	"mydouble-go/pkg/keylock"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/metrics"
)

// CreditCheck 是余额检查的结果。
type CreditCheck struct {
	HasEnoughCredits bool `json:"hasEnoughCredits"`
	CurrentBalance   int  `json:"currentBalance"`
	Available        int  `json:"available"`
	Required         int  `json:"required"`
	Missing          int  `json:"missing"`
	IsGuest          bool `json:"isGuest"`
}

// CheckinResult 是一次每日签到的结果。
type CheckinResult struct {
	Reward  int `json:"reward"`
	Streak  int `json:"streak"`
	Balance int `json:"balance"`
}

// AuditReport 对比账户余额与流水之和。
type AuditReport struct {
	AccountID  string `json:"accountId"`
	Balance    int    `json:"balance"`
	Sum        int    `json:"sum"`
	ActiveHold int    `json:"activeHold"`
	Consistent bool   `json:"consistent"`
}

// CreditLedger 定义积分账本的全部操作。同一账户的操作串行执行，不同账户之间并发。
type CreditLedger interface {
	EnsureAccount(ctx context.Context, accountID string) (*model.CreditAccount, error)
	Balance(ctx context.Context, accountID string) (int, error)
	Available(ctx context.Context, accountID string) (int, error)
	Check(ctx context.Context, accountID string, required int) (*CreditCheck, error)
	CheckAndReserve(ctx context.Context, accountID string, amount int, causeRef string) (*model.CreditHold, error)
	Deduct(ctx context.Context, accountID string, amount int, causeRef, description string) (*model.CreditTransaction, error)
	IsCharged(ctx context.Context, accountID, causeRef string) (bool, error)
	Release(ctx context.Context, accountID, causeRef string) error
	Refund(ctx context.Context, accountID string, amount int, causeRef, description string) (*model.CreditTransaction, error)
	Grant(ctx context.Context, accountID string, amount int, reason model.TransactionReason, causeRef, description string) (*model.CreditTransaction, error)
	DailyCheckin(ctx context.Context, accountID string) (*CheckinResult, error)
	History(ctx context.Context, accountID string, limit int) ([]model.CreditTransaction, error)
	Audit(ctx context.Context, accountID string) (*AuditReport, error)
}

type creditLedger struct {
	repo       repository.CreditRepository
	locker     keylock.Locker
	cfg        config.CreditsConfig
	invariants Invariants
	now        func() time.Time
}

// NewCreditLedger 创建一个新的 CreditLedger 实例。
func NewCreditLedger(repo repository.CreditRepository, locker keylock.Locker, cfg config.CreditsConfig, inv Invariants) CreditLedger {
	return &creditLedger{repo: repo, locker: locker, cfg: cfg, invariants: inv, now: time.Now}
}

func (l *creditLedger) lock(ctx context.Context, accountID string) (func(), error) {
	return l.locker.Lock(ctx, "credit:"+accountID)
}

func observe(op string, err error) {
	metrics.LedgerOps.WithLabelValues(op, string(Classify(err))).Inc()
}

// EnsureAccount 确保账户存在；新建的正式账户获得注册奖励。
func (l *creditLedger) EnsureAccount(ctx context.Context, accountID string) (*model.CreditAccount, error) {
	created, err := l.repo.CreateAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("create credit account: %w", err)
	}
	if created && l.cfg.SignupBonus > 0 && !model.IsGuestAccount(accountID) {
		if _, err := l.Grant(ctx, accountID, l.cfg.SignupBonus, model.ReasonSignupBonus, "signup", "注册奖励"); err != nil {
			return nil, err
		}
		log.Infof("[CreditLedger] 新账户 %s 获得注册奖励 %d", accountID, l.cfg.SignupBonus)
	}
	return l.repo.GetAccount(ctx, accountID)
}

// Balance 返回账户余额，账户不存在时为 0。
func (l *creditLedger) Balance(ctx context.Context, accountID string) (int, error) {
	acct, err := l.repo.GetAccount(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Available 返回扣除未过期预占后的可用余额。
func (l *creditLedger) Available(ctx context.Context, accountID string) (int, error) {
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	held, err := l.repo.SumActiveHolds(ctx, accountID, l.now())
	if err != nil {
		return 0, err
	}
	return balance - held, nil
}

func (l *creditLedger) Check(ctx context.Context, accountID string, required int) (*CreditCheck, error) {
	guest := model.IsGuestAccount(accountID)
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	available, err := l.Available(ctx, accountID)
	if err != nil {
		return nil, err
	}
	res := &CreditCheck{
		CurrentBalance: balance,
		Available:      available,
		Required:       required,
		IsGuest:        guest,
	}
	res.HasEnoughCredits = !guest && available >= required
	if available < required {
		res.Missing = required - available
	}
	return res, nil
}

// CheckAndReserve 检查可用余额并为 causeRef 预占 amount。
// 本账户同一 causeRef 已有未过期预占时返回 ErrReservationInFlight；已扣减过的 causeRef 返回 ErrAlreadyCharged。
func (l *creditLedger) CheckAndReserve(ctx context.Context, accountID string, amount int, causeRef string) (hold *model.CreditHold, err error) {
	defer func() { observe("reserve", err) }()
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if model.IsGuestAccount(accountID) {
		return nil, &InsufficientCreditsError{Available: 0, Required: amount, Guest: true}
	}

	unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := l.repo.FindTransaction(ctx, accountID, model.ReasonSpend, causeRef); err == nil {
		return nil, ErrAlreadyCharged
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := l.now()
	existing, err := l.repo.FindHold(ctx, accountID, causeRef)
	switch {
	case err == nil && !existing.Expired(now):
		return nil, ErrReservationInFlight
	case err == nil:
		if err := l.repo.DeleteHold(ctx, accountID, causeRef); err != nil {
			return nil, err
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	available, err := l.Available(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if available < amount {
		return nil, &InsufficientCreditsError{Available: available, Required: amount}
	}

	hold = &model.CreditHold{
		AccountID: accountID,
		CauseRef:  causeRef,
		Amount:    amount,
		ExpiresAt: now.Add(l.cfg.HoldTTL),
	}
	if err := l.repo.CreateHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("create hold: %w", err)
	}
	return hold, nil
}

// Deduct 扣减 amount 并释放同一 causeRef 的预占。按 causeRef 幂等。
func (l *creditLedger) Deduct(ctx context.Context, accountID string, amount int, causeRef, description string) (entry *model.CreditTransaction, err error) {
	defer func() { observe("deduct", err) }()
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if model.IsGuestAccount(accountID) {
		return nil, &InsufficientCreditsError{Available: 0, Required: amount, Guest: true}
	}

	unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if prior, err := l.repo.FindTransaction(ctx, accountID, model.ReasonSpend, causeRef); err == nil {
		return prior, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	held, err := l.repo.SumActiveHolds(ctx, accountID, l.now())
	if err != nil {
		return nil, err
	}
	if own, err := l.repo.FindHold(ctx, accountID, causeRef); err == nil && !own.Expired(l.now()) {
		held -= own.Amount
	}
	if balance-held < amount {
		return nil, &InsufficientCreditsError{Available: balance - held, Required: amount}
	}

	entry = &model.CreditTransaction{
		AccountID:   accountID,
		Amount:      -amount,
		Reason:      model.ReasonSpend,
		CauseRef:    causeRef,
		Description: description,
	}
	err = l.repo.ApplyTransaction(ctx, entry, repository.ApplyOptions{ReleaseHold: causeRef})
	switch {
	case errors.Is(err, repository.ErrNegativeBalance):
		return nil, &InsufficientCreditsError{Available: balance, Required: amount}
	case errors.Is(err, repository.ErrDuplicateTransaction):
		return l.repo.FindTransaction(ctx, accountID, model.ReasonSpend, causeRef)
	case err != nil:
		return nil, err
	}
	log.Infow("credits deducted", "account", accountID, "amount", amount, "causeRef", causeRef, "balance", entry.BalanceAfter)
	return entry, nil
}

// Release 释放 causeRef 的预占，不产生流水。
func (l *creditLedger) Release(ctx context.Context, accountID, causeRef string) (err error) {
	defer func() { observe("release", err) }()
	unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()
	return l.repo.DeleteHold(ctx, accountID, causeRef)
}

// IsCharged 判断 causeRef 是否已经产生过扣减。
func (l *creditLedger) IsCharged(ctx context.Context, accountID, causeRef string) (bool, error) {
	_, err := l.repo.FindTransaction(ctx, accountID, model.ReasonSpend, causeRef)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Refund 冲正同一 causeRef 的扣减。没有对应扣减或金额不一致属于不变量破坏。
func (l *creditLedger) Refund(ctx context.Context, accountID string, amount int, causeRef, description string) (entry *model.CreditTransaction, err error) {
	defer func() { observe("refund", err) }()
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if prior, err := l.repo.FindTransaction(ctx, accountID, model.ReasonRefund, causeRef); err == nil {
		return prior, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	spend, err := l.repo.FindTransaction(ctx, accountID, model.ReasonSpend, causeRef)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, l.invariants.Violation("refund_without_deduction", "account=%s causeRef=%s: %v", accountID, causeRef, ErrNoMatchingDeduction)
	}
	if err != nil {
		return nil, err
	}
	if -spend.Amount != amount {
		return nil, l.invariants.Violation("refund_amount_mismatch", "account=%s causeRef=%s deducted=%d refund=%d", accountID, causeRef, -spend.Amount, amount)
	}

	entry = &model.CreditTransaction{
		AccountID:   accountID,
		Amount:      amount,
		Reason:      model.ReasonRefund,
		CauseRef:    causeRef,
		Description: description,
	}
	err = l.repo.ApplyTransaction(ctx, entry, repository.ApplyOptions{})
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		return l.repo.FindTransaction(ctx, accountID, model.ReasonRefund, causeRef)
	}
	if err != nil {
		return nil, err
	}
	log.Infow("credits refunded", "account", accountID, "amount", amount, "causeRef", causeRef, "balance", entry.BalanceAfter)
	return entry, nil
}

// Grant 入账（购买、注册奖励、订阅补充、签到、管理员调整）。按 (reason, causeRef) 幂等；
// causeRef 为空时生成一个新的引用。只有管理员调整允许负数。
func (l *creditLedger) Grant(ctx context.Context, accountID string, amount int, reason model.TransactionReason, causeRef, description string) (entry *model.CreditTransaction, err error) {
	defer func() { observe("grant", err) }()
	if !reason.IsGrant() {
		return nil, fmt.Errorf("%w: reason %s is not a grant", ErrInvalidAmount, reason)
	}
	if amount == 0 || (amount < 0 && reason != model.ReasonAdminAdjustment) {
		return nil, ErrInvalidAmount
	}
	if causeRef == "" {
		causeRef = uuid.NewString()
	}

	if _, err := l.repo.CreateAccount(ctx, accountID); err != nil {
		return nil, err
	}
	unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entry = &model.CreditTransaction{
		AccountID:   accountID,
		Amount:      amount,
		Reason:      reason,
		CauseRef:    causeRef,
		Description: description,
	}
	err = l.repo.ApplyTransaction(ctx, entry, repository.ApplyOptions{})
	switch {
	case errors.Is(err, repository.ErrDuplicateTransaction):
		return l.repo.FindTransaction(ctx, accountID, reason, causeRef)
	case errors.Is(err, repository.ErrNegativeBalance):
		balance, _ := l.Balance(ctx, accountID)
		return nil, &InsufficientCreditsError{Available: balance, Required: -amount}
	case err != nil:
		return nil, err
	}
	return entry, nil
}

// DailyCheckin 每个 UTC 自然日最多签到一次，奖励随连续签到天数增长并在最后一档封顶。
func (l *creditLedger) DailyCheckin(ctx context.Context, accountID string) (res *CheckinResult, err error) {
	defer func() { observe("checkin", err) }()
	if model.IsGuestAccount(accountID) {
		return nil, &InsufficientCreditsError{Guest: true}
	}
	rewards := l.cfg.DailyCheckinRewards
	if len(rewards) == 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := l.repo.CreateAccount(ctx, accountID); err != nil {
		return nil, err
	}

	unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := l.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
	if acct.LastCheckinOn == today {
		return nil, ErrAlreadyCheckedIn
	}

	streak := 1
	if acct.LastCheckinOn == yesterday {
		streak = acct.CheckinStreak + 1
	}
	idx := streak
	if idx > len(rewards) {
		idx = len(rewards)
	}
	reward := rewards[idx-1]

	entry := &model.CreditTransaction{
		AccountID:   accountID,
		Amount:      reward,
		Reason:      model.ReasonDailyCheckin,
		CauseRef:    "checkin:" + today,
		Description: fmt.Sprintf("每日签到 第%d天", streak),
	}
	err = l.repo.ApplyTransaction(ctx, entry, repository.ApplyOptions{
		Mutate: func(a *model.CreditAccount) {
			a.CheckinStreak = streak
			a.LastCheckinOn = today
		},
	})
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		return nil, ErrAlreadyCheckedIn
	}
	if err != nil {
		return nil, err
	}
	return &CheckinResult{Reward: reward, Streak: streak, Balance: entry.BalanceAfter}, nil
}

func (l *creditLedger) History(ctx context.Context, accountID string, limit int) ([]model.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.ListTransactions(ctx, accountID, limit)
}

// Audit 校验余额等于流水之和。
func (l *creditLedger) Audit(ctx context.Context, accountID string) (*AuditReport, error) {
	unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := l.repo.SumTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	held, err := l.repo.SumActiveHolds(ctx, accountID, l.now())
	if err != nil {
		return nil, err
	}
	report := &AuditReport{AccountID: accountID, Balance: balance, Sum: sum, ActiveHold: held, Consistent: balance == sum}
	if !report.Consistent {
		log.Errorw("ledger audit mismatch", "account", accountID, "balance", balance, "sum", sum)
	}
	return report, nil
}
