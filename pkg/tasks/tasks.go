// Package tasks defines the events exchanged through the job event bus.
package tasks

import "time"

// JobEvent is published whenever a generation job changes state.
// Consumers use it to flush the owning conversation and to notify clients.
type JobEvent struct {
	JobID          string    `json:"job_id"`
	AccountID      string    `json:"account_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	AssetID        string    `json:"asset_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Key identifies the conversation the event belongs to; used as the Kafka
// message key so one conversation's events stay ordered.
func (e JobEvent) Key() string {
	return e.AccountID + ":" + e.ConversationID
}
