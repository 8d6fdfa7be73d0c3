package model

import (
	"strings"
	"time"
)

// 角色常量。
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// 匿名账号前缀。带这些前缀的账号只能持有本地会话，不能消费积分。
var guestPrefixes = []string{"guest_", "temp_", "user_"}

// User 定义了 users 表的 ORM 模型。
// AccountID 是积分账本与会话归属使用的稳定标识，与自增主键解耦。
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"type:varchar(255);not null" json:"-"`
	Role      string    `gorm:"type:varchar(20);not null;default:USER" json:"role"`
	AccountID string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"accountId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}

// IsGuestAccount 判断账号是否为匿名账号。
func IsGuestAccount(accountID string) bool {
	if accountID == "" {
		return true
	}
	for _, p := range guestPrefixes {
		if strings.HasPrefix(accountID, p) {
			return true
		}
	}
	return false
}
