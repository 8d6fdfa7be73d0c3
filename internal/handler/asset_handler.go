package handler

import (
	"github.com/gin-gonic/gin"

	"mydouble-go/internal/service"
)

// AssetHandler 负责资源解锁与内容地址。
type AssetHandler struct {
	generation *service.GenerationService
}

func NewAssetHandler(generation *service.GenerationService) *AssetHandler {
	return &AssetHandler{generation: generation}
}

// Unlock 解锁资源。已解锁返回 409，积分不足返回 402。
func (h *AssetHandler) Unlock(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	res, err := h.generation.UnlockAsset(c.Request.Context(), p.AccountID, c.Param("assetId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", gin.H{
		"asset":   res.Asset.View(),
		"charged": res.Charged,
		"balance": res.Balance,
	})
}

// Content 返回已解锁资源的内容地址。
func (h *AssetHandler) Content(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	url, err := h.generation.ResolveAssetContent(c.Request.Context(), p.AccountID, c.Param("assetId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", gin.H{"url": url})
}
