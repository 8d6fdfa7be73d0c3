package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mydouble-go/internal/model"
)

// ApplyOptions 控制一次记账的附带动作。
type ApplyOptions struct {
	// ReleaseHold 非空时在同一事务内删除本账户该引用对应的预占。
	ReleaseHold string
	// Mutate 在同一事务内修改账户的非余额字段（例如签到状态）。
	Mutate func(acct *model.CreditAccount)
}

// CreditRepository 定义积分账户、流水与预占的持久化操作。
type CreditRepository interface {
	CreateAccount(ctx context.Context, accountID string) (created bool, err error)
	GetAccount(ctx context.Context, accountID string) (*model.CreditAccount, error)
	ListAccounts(ctx context.Context, offset, limit int) ([]model.CreditAccount, int64, error)
	// ApplyTransaction 原子地追加流水并更新余额，填充 BalanceBefore/BalanceAfter。
	ApplyTransaction(ctx context.Context, tx *model.CreditTransaction, opts ApplyOptions) error
	FindTransaction(ctx context.Context, accountID string, reason model.TransactionReason, causeRef string) (*model.CreditTransaction, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]model.CreditTransaction, error)
	SumTransactions(ctx context.Context, accountID string) (int, error)

	CreateHold(ctx context.Context, hold *model.CreditHold) error
	FindHold(ctx context.Context, accountID, causeRef string) (*model.CreditHold, error)
	DeleteHold(ctx context.Context, accountID, causeRef string) error
	SumActiveHolds(ctx context.Context, accountID string, now time.Time) (int, error)
}

type creditRepository struct {
	db *gorm.DB
}

// NewCreditRepository 创建一个新的 CreditRepository 实例。
func NewCreditRepository(db *gorm.DB) CreditRepository {
	return &creditRepository{db: db}
}

func (r *creditRepository) CreateAccount(ctx context.Context, accountID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.CreditAccount{AccountID: accountID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *creditRepository) GetAccount(ctx context.Context, accountID string) (*model.CreditAccount, error) {
	var acct model.CreditAccount
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *creditRepository) ListAccounts(ctx context.Context, offset, limit int) ([]model.CreditAccount, int64, error) {
	var accts []model.CreditAccount
	var total int64
	db := r.db.WithContext(ctx).Model(&model.CreditAccount{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Order("account_id").Offset(offset).Limit(limit).Find(&accts).Error; err != nil {
		return nil, 0, err
	}
	return accts, total, nil
}

// ApplyTransaction 在事务中以 SELECT ... FOR UPDATE 锁定账户行，
// 保证同一账户的记账串行执行。
func (r *creditRepository) ApplyTransaction(ctx context.Context, entry *model.CreditTransaction, opts ApplyOptions) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct model.CreditAccount
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", entry.AccountID).
			First(&acct).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var existing int64
		if err := tx.Model(&model.CreditTransaction{}).
			Where("account_id = ? AND reason = ? AND cause_ref = ?", entry.AccountID, entry.Reason, entry.CauseRef).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateTransaction
		}

		next := acct.Balance + entry.Amount
		if next < 0 {
			return ErrNegativeBalance
		}
		entry.BalanceBefore = acct.Balance
		entry.BalanceAfter = next
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		if opts.Mutate != nil {
			opts.Mutate(&acct)
		}
		acct.Balance = next
		if err := tx.Model(&model.CreditAccount{}).
			Where("account_id = ?", acct.AccountID).
			Updates(map[string]interface{}{
				"balance":         acct.Balance,
				"checkin_streak":  acct.CheckinStreak,
				"last_checkin_on": acct.LastCheckinOn,
			}).Error; err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if opts.ReleaseHold != "" {
			if err := tx.Where("account_id = ? AND cause_ref = ?", entry.AccountID, opts.ReleaseHold).Delete(&model.CreditHold{}).Error; err != nil {
				return fmt.Errorf("release hold: %w", err)
			}
		}
		return nil
	})
}

func (r *creditRepository) FindTransaction(ctx context.Context, accountID string, reason model.TransactionReason, causeRef string) (*model.CreditTransaction, error) {
	var entry model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND reason = ? AND cause_ref = ?", accountID, reason, causeRef).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *creditRepository) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.CreditTransaction, error) {
	var entries []model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *creditRepository) SumTransactions(ctx context.Context, accountID string) (int, error) {
	var sum int
	err := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	return sum, err
}

func (r *creditRepository) CreateHold(ctx context.Context, hold *model.CreditHold) error {
	return r.db.WithContext(ctx).Create(hold).Error
}

func (r *creditRepository) FindHold(ctx context.Context, accountID, causeRef string) (*model.CreditHold, error) {
	var hold model.CreditHold
	err := r.db.WithContext(ctx).Where("account_id = ? AND cause_ref = ?", accountID, causeRef).First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

func (r *creditRepository) DeleteHold(ctx context.Context, accountID, causeRef string) error {
	return r.db.WithContext(ctx).Where("account_id = ? AND cause_ref = ?", accountID, causeRef).Delete(&model.CreditHold{}).Error
}

func (r *creditRepository) SumActiveHolds(ctx context.Context, accountID string, now time.Time) (int, error) {
	var sum int
	err := r.db.WithContext(ctx).Model(&model.CreditHold{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id = ? AND expires_at > ?", accountID, now).
		Scan(&sum).Error
	return sum, err
}
