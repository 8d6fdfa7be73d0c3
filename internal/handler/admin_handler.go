package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"mydouble-go/internal/service"
	"mydouble-go/pkg/log"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// ListUsers 分页列出用户。
func (h *AdminHandler) ListUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	res, err := h.adminService.ListUsers(c.Request.Context(), page, size)
	if err != nil {
		log.Error("ListUsers: Failed to list users", err)
		fail(c, err)
		return
	}
	ok(c, "success", res)
}

// GrantCredits 为账户入账（购买、套餐补充或人工调整）。
func (h *AdminHandler) GrantCredits(c *gin.Context) {
	var req service.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	accountID := c.Param("accountId")
	entry, err := h.adminService.GrantCredits(c.Request.Context(), accountID, req)
	if err != nil {
		log.Warnf("GrantCredits: account %s: %v", accountID, err)
		fail(c, err)
		return
	}
	if p, exists := principal(c); exists {
		log.Infof("Admin user '%s' granted %d credits to '%s'", p.Username, entry.Amount, accountID)
	}
	ok(c, "success", entry)
}

// Audit 核对账户余额与流水之和。
func (h *AdminHandler) Audit(c *gin.Context) {
	report, err := h.adminService.Audit(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", report)
}
