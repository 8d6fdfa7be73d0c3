package model

import "time"

// Asset 定义了 assets 表。生成完成后创建，永不删除；只有解锁后才能取得内容。
type Asset struct {
	ID             string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	JobID          string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"jobId"`
	MessageID      string     `gorm:"type:varchar(64);not null" json:"messageId"`
	ConversationID string     `gorm:"type:varchar(64);not null" json:"conversationId"`
	AccountID      string     `gorm:"type:varchar(64);not null;index" json:"accountId"`
	Unlocked       bool       `gorm:"not null;default:false" json:"unlocked"`
	UnlockPrice    int        `gorm:"not null;default:0" json:"unlockPrice"`
	ContentRef     string     `gorm:"type:varchar(512);not null" json:"-"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UnlockedAt     *time.Time `json:"unlockedAt,omitempty"`
}

func (Asset) TableName() string {
	return "assets"
}

// View 返回写入消息中的资源快照，不包含内容引用。
func (a *Asset) View() *AssetView {
	return &AssetView{ID: a.ID, Unlocked: a.Unlocked, UnlockPrice: a.UnlockPrice}
}
