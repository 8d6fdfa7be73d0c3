package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mydouble-go/internal/model"
)

// AssetRepository 定义生成资源的持久化操作。资源永不删除。
type AssetRepository interface {
	// Create 按 JobID 幂等创建；已存在时返回已有记录。
	Create(ctx context.Context, asset *model.Asset) (*model.Asset, error)
	Get(ctx context.Context, assetID string) (*model.Asset, error)
	GetByJob(ctx context.Context, jobID string) (*model.Asset, error)
	// MarkUnlocked 仅在资源仍为锁定时翻转状态，返回是否发生了变更。
	MarkUnlocked(ctx context.Context, assetID string, at time.Time) (bool, error)
	Reassign(ctx context.Context, fromAccount, toAccount string) (int64, error)
}

type assetRepository struct {
	db *gorm.DB
}

// NewAssetRepository 创建一个新的 AssetRepository 实例。
func NewAssetRepository(db *gorm.DB) AssetRepository {
	return &assetRepository{db: db}
}

func (r *assetRepository) Create(ctx context.Context, asset *model.Asset) (*model.Asset, error) {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(asset).Error; err != nil {
		return nil, err
	}
	return r.GetByJob(ctx, asset.JobID)
}

func (r *assetRepository) Get(ctx context.Context, assetID string) (*model.Asset, error) {
	return r.first(ctx, "id = ?", assetID)
}

func (r *assetRepository) GetByJob(ctx context.Context, jobID string) (*model.Asset, error) {
	return r.first(ctx, "job_id = ?", jobID)
}

func (r *assetRepository) first(ctx context.Context, query string, arg interface{}) (*model.Asset, error) {
	var asset model.Asset
	err := r.db.WithContext(ctx).Where(query, arg).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *assetRepository) MarkUnlocked(ctx context.Context, assetID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Asset{}).
		Where("id = ? AND unlocked = ?", assetID, false).
		Updates(map[string]interface{}{"unlocked": true, "unlocked_at": at})
	return res.RowsAffected > 0, res.Error
}

func (r *assetRepository) Reassign(ctx context.Context, fromAccount, toAccount string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Asset{}).
		Where("account_id = ?", fromAccount).
		Update("account_id", toAccount)
	return res.RowsAffected, res.Error
}
