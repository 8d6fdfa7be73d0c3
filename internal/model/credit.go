package model

import "time"

// TransactionReason 标记一笔积分流水的来源。
type TransactionReason string

const (
	ReasonSpend              TransactionReason = "spend"
	ReasonRefund             TransactionReason = "refund"
	ReasonPurchase           TransactionReason = "purchase"
	ReasonSignupBonus        TransactionReason = "signup_bonus"
	ReasonSubscriptionRefill TransactionReason = "subscription_refill"
	ReasonDailyCheckin       TransactionReason = "daily_checkin"
	ReasonAdminAdjustment    TransactionReason = "admin_adjustment"
)

// IsGrant 返回该原因是否属于入账（非消费、非退款）。
func (r TransactionReason) IsGrant() bool {
	switch r {
	case ReasonPurchase, ReasonSignupBonus, ReasonSubscriptionRefill, ReasonDailyCheckin, ReasonAdminAdjustment:
		return true
	}
	return false
}

// CreditAccount 定义了 credit_accounts 表，每个账号一行。
type CreditAccount struct {
	AccountID     string    `gorm:"type:varchar(64);primaryKey" json:"accountId"`
	Balance       int       `gorm:"not null;default:0" json:"balance"`
	CheckinStreak int       `gorm:"not null;default:0" json:"checkinStreak"`
	LastCheckinOn string    `gorm:"type:varchar(10)" json:"lastCheckinOn"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (CreditAccount) TableName() string {
	return "credit_accounts"
}

// CreditTransaction 是只追加的积分流水。
// (account_id, reason, cause_ref) 唯一，保证同一原因下的扣减或退款最多发生一次。
type CreditTransaction struct {
	ID            uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID     string            `gorm:"type:varchar(64);not null;uniqueIndex:idx_tx_cause,priority:1;index" json:"accountId"`
	Amount        int               `gorm:"not null" json:"amount"`
	Reason        TransactionReason `gorm:"type:varchar(32);not null;uniqueIndex:idx_tx_cause,priority:2" json:"reason"`
	CauseRef      string            `gorm:"type:varchar(128);not null;uniqueIndex:idx_tx_cause,priority:3" json:"causeRef"`
	Description   string            `gorm:"type:varchar(255)" json:"description"`
	BalanceBefore int               `gorm:"not null" json:"balanceBefore"`
	BalanceAfter  int               `gorm:"not null" json:"balanceAfter"`
	CreatedAt     time.Time         `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

// CreditHold 是一次尚未结算的预占。到期后不再占用可用余额。
// 预占按 (account_id, cause_ref) 唯一，不同账户的同名引用互不影响。
type CreditHold struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_hold_cause,priority:1" json:"accountId"`
	CauseRef  string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_hold_cause,priority:2" json:"causeRef"`
	Amount    int       `gorm:"not null" json:"amount"`
	ExpiresAt time.Time `gorm:"not null" json:"expiresAt"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (CreditHold) TableName() string {
	return "credit_holds"
}

// Expired 判断预占是否已过期。
func (h *CreditHold) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}
