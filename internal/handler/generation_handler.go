package handler

import (
	"github.com/gin-gonic/gin"

	"mydouble-go/internal/service"
	"mydouble-go/pkg/log"
)

// GenerationHandler 负责提交生成任务与查询任务状态。
type GenerationHandler struct {
	generation *service.GenerationService
}

// NewGenerationHandler 创建一个新的 GenerationHandler 实例。
func NewGenerationHandler(generation *service.GenerationService) *GenerationHandler {
	return &GenerationHandler{generation: generation}
}

// Submit 提交一个生成任务。积分不足时返回 402 并附带准确的差额。
func (h *GenerationHandler) Submit(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	res, err := h.generation.SubmitGenerationJob(c.Request.Context(), p.AccountID, req)
	if err != nil {
		log.Warnf("Submit: account %s conversation %s: %v", p.AccountID, req.ConversationID, err)
		fail(c, err)
		return
	}
	log.Infof("Submit: 任务 %s 已提交，账号 %s", res.Job.ID, p.AccountID)
	ok(c, "success", res)
}

// Status 返回任务当前状态，完成时附带资源。
func (h *GenerationHandler) Status(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	res, err := h.generation.GetJobStatus(c.Request.Context(), p.AccountID, c.Param("jobId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", res)
}
