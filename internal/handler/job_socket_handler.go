package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mydouble-go/internal/hub"
	"mydouble-go/internal/service"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

const (
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

// JobSocketHandler 通过 WebSocket 向已登录用户推送任务状态变化。
type JobSocketHandler struct {
	hub         *hub.Hub
	userService service.UserService
	jwtManager  *token.JWTManager
}

// NewJobSocketHandler 创建一个新的 JobSocketHandler。
func NewJobSocketHandler(h *hub.Hub, userService service.UserService, jwtManager *token.JWTManager) *JobSocketHandler {
	return &JobSocketHandler{hub: h, userService: userService, jwtManager: jwtManager}
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// Serve 处理一个传入的 WebSocket 连接。令牌通过 query 参数传递。
func (h *JobSocketHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	claims, err := h.jwtManager.VerifyKind(tokenString, token.KindAccess)
	if err != nil {
		respond(c, http.StatusUnauthorized, "unauthorized", "无效的 token", nil)
		return
	}
	if revoked, _ := h.userService.IsRevoked(c.Request.Context(), tokenString); revoked {
		respond(c, http.StatusUnauthorized, "unauthorized", "token 已失效", nil)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	writer := &wsWriter{conn: ws}
	conn := &hub.Connection{AccountID: claims.AccountID, Writer: writer}
	h.hub.Register(conn)
	defer func() {
		h.hub.Unregister(conn)
		_ = ws.Close()
	}()
	log.Infof("WebSocket 连接已建立，账号: %s", claims.AccountID)

	ws.SetReadLimit(64 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writer.ping(); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			out, _ := json.Marshal(gin.H{"type": "pong"})
			_ = writer.Write(out)
		}
	}
}
