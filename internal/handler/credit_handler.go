package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"mydouble-go/internal/config"
	"mydouble-go/internal/service"
)

// CreditHandler 负责余额、流水、余额检查与每日签到。
type CreditHandler struct {
	ledger  service.CreditLedger
	credits config.CreditsConfig
	// 未指定分辨率时使用的默认分辨率
	defaultResolution string
}

// NewCreditHandler 创建一个新的 CreditHandler 实例。
func NewCreditHandler(ledger service.CreditLedger, credits config.CreditsConfig, defaultResolution string) *CreditHandler {
	return &CreditHandler{ledger: ledger, credits: credits, defaultResolution: defaultResolution}
}

// Balance 返回余额与扣除预留后的可用积分。
func (h *CreditHandler) Balance(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	ctx := c.Request.Context()
	balance, err := h.ledger.Balance(ctx, p.AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	available, err := h.ledger.Available(ctx, p.AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", gin.H{
		"balance":   balance,
		"available": available,
		"guest":     p.Guest,
		"costs":     h.credits.Costs,
	})
}

// History 返回最近的积分流水。
func (h *CreditHandler) History(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.ledger.History(c.Request.Context(), p.AccountID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", entries)
}

// CheckRequest 指定所需积分，或给出分辨率由服务端换算。
type CheckRequest struct {
	Required   int    `json:"required"`
	Resolution string `json:"resolution"`
}

// Check 只查询不预留，返回积分是否足够以及差额。
func (h *CreditHandler) Check(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	required := req.Required
	if required <= 0 {
		cost, known := h.credits.CostFor(req.Resolution, h.defaultResolution)
		if !known {
			fail(c, service.ErrUnknownResolution)
			return
		}
		required = cost
	}
	check, err := h.ledger.Check(c.Request.Context(), p.AccountID, required)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", check)
}

// DailyCheckin 每日签到。
func (h *CreditHandler) DailyCheckin(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	res, err := h.ledger.DailyCheckin(c.Request.Context(), p.AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "签到成功", res)
}
