package repository

import (
	"gorm.io/gorm"

	"mydouble-go/internal/model"
)

// Models 列出需要自动迁移的全部表。
func Models() []interface{} {
	return []interface{}{
		&model.User{},
		&model.CreditAccount{},
		&model.CreditTransaction{},
		&model.CreditHold{},
		&model.GenerationJob{},
		&model.Asset{},
		&model.RemoteMessage{},
		&model.MigrationRecord{},
	}
}

// NewGormRepositories 返回基于 MySQL 的仓储实现。
func NewGormRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Users:    NewUserRepository(db),
		Credits:  NewCreditRepository(db),
		Jobs:     NewJobRepository(db),
		Assets:   NewAssetRepository(db),
		Messages: NewMessageRepository(db),
	}
}
