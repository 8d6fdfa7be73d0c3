package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mydouble-go/internal/model"
)

// MessageRepository 是会话消息的远端权威存储。
type MessageRepository interface {
	ListMessages(ctx context.Context, accountID, conversationID string) ([]model.Message, error)
	// AppendMessage 按消息 ID 幂等追加。
	AppendMessage(ctx context.Context, accountID, conversationID string, msg model.Message) error
	PatchMessage(ctx context.Context, accountID, messageID string, patch model.MessagePatch) error
	HasMigration(ctx context.Context, token string) (bool, error)
	RecordMigration(ctx context.Context, rec *model.MigrationRecord) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func toRemote(accountID, conversationID string, msg model.Message) (*model.RemoteMessage, error) {
	rm := &model.RemoteMessage{
		ID:             msg.ID,
		ConversationID: conversationID,
		AccountID:      accountID,
		Role:           msg.Role,
		Content:        msg.Content,
		Seq:            msg.CreatedAt.UnixNano(),
		CreatedAt:      msg.CreatedAt,
	}
	if msg.Job != nil {
		b, err := json.Marshal(msg.Job)
		if err != nil {
			return nil, err
		}
		rm.Job = string(b)
	}
	if msg.Asset != nil {
		b, err := json.Marshal(msg.Asset)
		if err != nil {
			return nil, err
		}
		rm.Asset = string(b)
	}
	return rm, nil
}

func fromRemote(rm model.RemoteMessage) (model.Message, error) {
	msg := model.Message{ID: rm.ID, Role: rm.Role, Content: rm.Content, CreatedAt: rm.CreatedAt}
	if rm.Job != "" {
		msg.Job = &model.JobView{}
		if err := json.Unmarshal([]byte(rm.Job), msg.Job); err != nil {
			return msg, fmt.Errorf("decode job of message %s: %w", rm.ID, err)
		}
	}
	if rm.Asset != "" {
		msg.Asset = &model.AssetView{}
		if err := json.Unmarshal([]byte(rm.Asset), msg.Asset); err != nil {
			return msg, fmt.Errorf("decode asset of message %s: %w", rm.ID, err)
		}
	}
	return msg, nil
}

func (r *messageRepository) ListMessages(ctx context.Context, accountID, conversationID string) ([]model.Message, error) {
	var rows []model.RemoteMessage
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND conversation_id = ?", accountID, conversationID).
		Order("seq ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		m, err := fromRemote(row)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (r *messageRepository) AppendMessage(ctx context.Context, accountID, conversationID string, msg model.Message) error {
	rm, err := toRemote(accountID, conversationID, msg)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rm).Error
}

func (r *messageRepository) PatchMessage(ctx context.Context, accountID, messageID string, patch model.MessagePatch) error {
	var row model.RemoteMessage
	err := r.db.WithContext(ctx).Where("id = ? AND account_id = ?", messageID, accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	msg, err := fromRemote(row)
	if err != nil {
		return err
	}
	patch.Apply(&msg)
	updated, err := toRemote(accountID, row.ConversationID, msg)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.RemoteMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"content": updated.Content,
			"job":     updated.Job,
			"asset":   updated.Asset,
		}).Error
}

func (r *messageRepository) HasMigration(ctx context.Context, token string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.MigrationRecord{}).Where("token = ?", token).Count(&n).Error
	return n > 0, err
}

func (r *messageRepository) RecordMigration(ctx context.Context, rec *model.MigrationRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
}
