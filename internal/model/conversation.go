// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/json"
	"time"
)

// 消息角色。
const (
	RoleUserMessage      = "user"
	RoleAssistantMessage = "assistant"
)

// MessageStatus 是展示给前端的消息状态，只能由 Message.Status 推导。
type MessageStatus string

const (
	StatusSending    MessageStatus = "sending"
	StatusProcessing MessageStatus = "processing"
	StatusGenerating MessageStatus = "generating"
	StatusLocked     MessageStatus = "locked"
	StatusCompleted  MessageStatus = "completed"
	StatusFailed     MessageStatus = "failed"
)

// JobView 是消息中保存的任务快照。
type JobView struct {
	ID            string    `json:"id"`
	Status        JobStatus `json:"status"`
	Attempts      int       `json:"attempts"`
	AssetRef      string    `json:"assetRef,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
}

// AssetView 是消息中保存的资源快照。
type AssetView struct {
	ID          string `json:"id"`
	Unlocked    bool   `json:"unlocked"`
	UnlockPrice int    `json:"unlockPrice"`
}

// Message 代表会话中的一条消息。
type Message struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Job       *JobView   `json:"job,omitempty"`
	Asset     *AssetView `json:"asset,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Status 根据任务与资源状态推导消息的展示状态。
func (m *Message) Status() MessageStatus {
	if m.Job != nil {
		switch m.Job.Status {
		case JobSubmitted:
			return StatusSending
		case JobPolling:
			if m.Job.Attempts == 0 {
				return StatusProcessing
			}
			return StatusGenerating
		case JobFailed, JobTimedOut:
			return StatusFailed
		}
	}
	if m.Asset != nil && !m.Asset.Unlocked {
		return StatusLocked
	}
	return StatusCompleted
}

// MarshalJSON 在输出中附带推导出的 status 字段。
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return json.Marshal(struct {
		alias
		Status MessageStatus `json:"status"`
	}{alias: alias(m), Status: m.Status()})
}

// Clone 返回消息的深拷贝。
func (m Message) Clone() Message {
	if m.Job != nil {
		j := *m.Job
		m.Job = &j
	}
	if m.Asset != nil {
		a := *m.Asset
		m.Asset = &a
	}
	return m
}

// Equal 比较两条消息的持久化字段。
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID || m.Role != o.Role || m.Content != o.Content {
		return false
	}
	if (m.Job == nil) != (o.Job == nil) || (m.Job != nil && *m.Job != *o.Job) {
		return false
	}
	if (m.Asset == nil) != (o.Asset == nil) || (m.Asset != nil && *m.Asset != *o.Asset) {
		return false
	}
	return true
}

// MessagePatch 描述对已有消息的局部更新，nil 字段保持不变。
type MessagePatch struct {
	Content *string    `json:"content,omitempty"`
	Job     *JobView   `json:"job,omitempty"`
	Asset   *AssetView `json:"asset,omitempty"`
}

// Apply 将补丁应用到消息上。
func (p MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Job != nil {
		j := *p.Job
		m.Job = &j
	}
	if p.Asset != nil {
		a := *p.Asset
		m.Asset = &a
	}
}

// ConversationKey 唯一标识一个会话：归属账号加会话 ID。
type ConversationKey struct {
	Owner          string `json:"owner"`
	ConversationID string `json:"conversationId"`
}

func (k ConversationKey) String() string {
	return k.Owner + ":" + k.ConversationID
}

// ConversationEntry 是本地缓存中的会话条目。
// Dirty 表示存在尚未被远端确认的本地修改；Version 每次修改递增。
type ConversationEntry struct {
	Key       ConversationKey `json:"key"`
	Messages  []Message       `json:"messages"`
	Dirty     bool            `json:"dirty"`
	Version   uint64          `json:"version"`
	TouchedAt time.Time       `json:"touchedAt"`
}

// Clone 返回条目的深拷贝。
func (e *ConversationEntry) Clone() *ConversationEntry {
	c := *e
	c.Messages = make([]Message, len(e.Messages))
	for i, m := range e.Messages {
		c.Messages[i] = m.Clone()
	}
	return &c
}

// RemoteMessage 定义了远端权威存储中的消息表。
type RemoteMessage struct {
	ID             string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	ConversationID string    `gorm:"type:varchar(64);not null;index:idx_remote_conv,priority:2" json:"conversationId"`
	AccountID      string    `gorm:"type:varchar(64);not null;index:idx_remote_conv,priority:1" json:"accountId"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text" json:"content"`
	Job            string    `gorm:"type:text" json:"-"`
	Asset          string    `gorm:"type:text" json:"-"`
	Seq            int64     `gorm:"not null;default:0" json:"seq"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (RemoteMessage) TableName() string {
	return "conversation_messages"
}

// MigrationRecord 记录一次匿名数据迁移，Token 保证迁移只执行一次。
type MigrationRecord struct {
	Token         string    `gorm:"type:varchar(191);primaryKey" json:"token"`
	FromAccount   string    `gorm:"type:varchar(64);not null" json:"fromAccount"`
	ToAccount     string    `gorm:"type:varchar(64);not null;index" json:"toAccount"`
	Conversations int       `gorm:"not null" json:"conversations"`
	Messages      int       `gorm:"not null" json:"messages"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (MigrationRecord) TableName() string {
	return "conversation_migrations"
}
