package handler

import (
	"github.com/gin-gonic/gin"

	"mydouble-go/internal/service"
	"mydouble-go/pkg/log"
)

// ConversationHandler 负责会话的读取、追加与关闭。
type ConversationHandler struct {
	generation *service.GenerationService
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(generation *service.GenerationService) *ConversationHandler {
	return &ConversationHandler{generation: generation}
}

// GetConversation 加载会话：合并远端状态，并恢复会话中未完成任务的轮询。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	view, err := h.generation.LoadConversation(c.Request.Context(), p.AccountID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", view)
}

// AppendMessageRequest 是追加普通消息的请求体。
type AppendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// AppendMessage 向会话追加一条用户消息。
func (h *ConversationHandler) AppendMessage(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	var req AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载：content 不能为空")
		return
	}
	msg, err := h.generation.AppendUserMessage(c.Request.Context(), p.AccountID, c.Param("id"), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", msg)
}

// CloseView 在客户端离开会话时调用，停止该会话的全部轮询。
func (h *ConversationHandler) CloseView(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	stopped, err := h.generation.CloseConversation(c.Request.Context(), p.AccountID, c.Param("id"))
	if err != nil {
		log.Warnf("CloseView: 同步会话 %s 失败: %v", c.Param("id"), err)
	}
	ok(c, "success", gin.H{"stoppedPollers": stopped})
}
