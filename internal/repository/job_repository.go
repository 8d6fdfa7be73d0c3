package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"mydouble-go/internal/model"
)

// JobRepository 定义生成任务的持久化操作。
type JobRepository interface {
	Create(ctx context.Context, job *model.GenerationJob) error
	Get(ctx context.Context, jobID string) (*model.GenerationJob, error)
	Save(ctx context.Context, job *model.GenerationJob) error
	ListActive(ctx context.Context, accountID, conversationID string) ([]model.GenerationJob, error)
	ListByConversation(ctx context.Context, accountID, conversationID string) ([]model.GenerationJob, error)
	// ListUnrefunded 返回已扣费、失败或超时但尚未退款的任务，accountID 为空时不限账户。
	ListUnrefunded(ctx context.Context, accountID string) ([]model.GenerationJob, error)
	Reassign(ctx context.Context, fromAccount, toAccount string) (int64, error)
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建一个新的 JobRepository 实例。
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *model.GenerationJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepository) Get(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := r.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepository) Save(ctx context.Context, job *model.GenerationJob) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// ListActive 返回会话中尚未到达终态的任务。
func (r *jobRepository) ListActive(ctx context.Context, accountID, conversationID string) ([]model.GenerationJob, error) {
	var jobs []model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND conversation_id = ? AND status IN ?", accountID, conversationID,
			[]model.JobStatus{model.JobSubmitted, model.JobPolling}).
		Order("requested_at").
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) ListByConversation(ctx context.Context, accountID, conversationID string) ([]model.GenerationJob, error) {
	var jobs []model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND conversation_id = ?", accountID, conversationID).
		Order("requested_at").
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) ListUnrefunded(ctx context.Context, accountID string) ([]model.GenerationJob, error) {
	var jobs []model.GenerationJob
	db := r.db.WithContext(ctx).
		Where("status IN ? AND charged = ? AND refunded = ?", []model.JobStatus{model.JobFailed, model.JobTimedOut}, true, false)
	if accountID != "" {
		db = db.Where("account_id = ?", accountID)
	}
	err := db.Order("requested_at").Limit(500).Find(&jobs).Error
	return jobs, err
}

// Reassign 将匿名账号的任务转移到新账号下。
func (r *jobRepository) Reassign(ctx context.Context, fromAccount, toAccount string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.GenerationJob{}).
		Where("account_id = ?", fromAccount).
		Update("account_id", toAccount)
	return res.RowsAffected, res.Error
}
