package model

import "time"

// JobStatus 是生成任务的生命周期状态。
type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobPolling   JobStatus = "polling"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// IsTerminal 返回状态是否为终态。
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimedOut
}

// CanTransition 校验状态迁移：Submitted→Polling，Polling→Polling 或任一终态。
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobSubmitted:
		return to == JobPolling
	case JobPolling:
		return to == JobPolling || to.IsTerminal()
	}
	return false
}

// GenerationJob 定义了 generation_jobs 表。ID 是合成服务返回的任务令牌。
type GenerationJob struct {
	ID             string     `gorm:"type:varchar(128);primaryKey" json:"id"`
	RequestID      string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_job_request,priority:2" json:"requestId"`
	AccountID      string     `gorm:"type:varchar(64);not null;index;uniqueIndex:idx_job_request,priority:1" json:"accountId"`
	ConversationID string     `gorm:"type:varchar(64);not null;index" json:"conversationId"`
	MessageID      string     `gorm:"type:varchar(64);not null" json:"messageId"`
	Resolution     string     `gorm:"type:varchar(16)" json:"resolution"`
	Cost           int        `gorm:"not null" json:"cost"`
	ChargeRef      string     `gorm:"type:varchar(128);not null" json:"chargeRef"`
	Charged        bool       `gorm:"not null;default:false" json:"charged"`
	Refunded       bool       `gorm:"not null;default:false" json:"refunded"`
	LockAsset      bool       `gorm:"not null;default:false" json:"lockAsset"`
	Status         JobStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	AssetRef       string     `gorm:"type:varchar(512)" json:"assetRef,omitempty"`
	FailureReason  string     `gorm:"type:varchar(512)" json:"failureReason,omitempty"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	LastError      string     `gorm:"type:varchar(512)" json:"lastError,omitempty"`
	RequestedAt    time.Time  `gorm:"not null" json:"requestedAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// View 返回写入消息中的任务快照。
func (j *GenerationJob) View() *JobView {
	return &JobView{
		ID:            j.ID,
		Status:        j.Status,
		Attempts:      j.Attempts,
		AssetRef:      j.AssetRef,
		FailureReason: j.FailureReason,
	}
}
