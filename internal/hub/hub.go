// Package hub 维护每个账号的 WebSocket 连接，并把任务事件推送给在线客户端。
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"mydouble-go/pkg/log"
	"mydouble-go/pkg/tasks"
)

// Writer 是一条客户端连接的写端。
type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection 是一条已认证的客户端连接。
type Connection struct {
	AccountID string
	Writer    Writer
}

// Notification 是推送给客户端的消息。
type Notification struct {
	Type  string         `json:"type"`
	Event string         `json:"event,omitempty"`
	Body  tasks.JobEvent `json:"body"`
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.AccountID] == nil {
		h.connections[conn.AccountID] = make(map[*Connection]struct{})
	}
	h.connections[conn.AccountID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.AccountID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.AccountID)
	}
}

// Online 返回账号当前的连接数。
func (h *Hub) Online(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[accountID])
}

// Broadcast 向账号的所有连接写入消息，写失败的连接会被关闭并移除。
func (h *Hub) Broadcast(accountID string, message []byte) {
	h.mu.RLock()
	set := h.connections[accountID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}

// HandleJobEvent 把任务状态变化推送给任务所属账号。不在线时直接忽略。
func (h *Hub) HandleJobEvent(ctx context.Context, event tasks.JobEvent) error {
	if h.Online(event.AccountID) == 0 {
		return nil
	}
	out, err := json.Marshal(Notification{Type: "update", Event: "job-" + event.Status, Body: event})
	if err != nil {
		return err
	}
	h.Broadcast(event.AccountID, out)
	return nil
}

// EventHandler 与 kafka.EventHandler 方法集一致。
type EventHandler interface {
	HandleJobEvent(ctx context.Context, event tasks.JobEvent) error
}

// Fanout 依次调用多个处理器。第一个处理器的错误会被返回，以便消息被重投；
// 后续处理器只记录日志。
type Fanout []EventHandler

func (f Fanout) HandleJobEvent(ctx context.Context, event tasks.JobEvent) error {
	var first error
	for i, h := range f {
		if err := h.HandleJobEvent(ctx, event); err != nil {
			if i == 0 {
				first = err
				continue
			}
			log.Warnw("job event handler failed", "job", event.JobID, "status", event.Status, "error", err)
		}
	}
	return first
}
