// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mydouble-go/internal/middleware"
	"mydouble-go/internal/service"
	"mydouble-go/pkg/log"
)

// 统一响应结构：{code, kind, message, data}，kind 是调用方判别结果的依据。
func respond(c *gin.Context, status int, kind service.ResultKind, message string, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"kind":    kind,
		"message": message,
		"data":    data,
	})
}

func ok(c *gin.Context, message string, data interface{}) {
	respond(c, http.StatusOK, service.KindOK, message, data)
}

func badRequest(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, service.KindInvalid, message, nil)
}

// fail 根据错误的判别类型选择状态码与响应体。
func fail(c *gin.Context, err error) {
	kind := service.Classify(err)
	switch kind {
	case service.KindInsufficientCredits:
		var insufficient *service.InsufficientCreditsError
		errors.As(err, &insufficient)
		respond(c, http.StatusPaymentRequired, kind, "积分不足", gin.H{
			"available": insufficient.Available,
			"required":  insufficient.Required,
			"missing":   insufficient.Missing(),
			"guest":     insufficient.Guest,
		})
	case service.KindAlreadyUnlocked:
		respond(c, http.StatusConflict, kind, err.Error(), nil)
	case service.KindNotFound:
		respond(c, http.StatusNotFound, kind, err.Error(), nil)
	case service.KindForbidden:
		respond(c, http.StatusForbidden, kind, err.Error(), nil)
	case service.KindInvalid:
		respond(c, http.StatusBadRequest, kind, err.Error(), nil)
	case service.KindTransientError:
		respond(c, http.StatusServiceUnavailable, kind, "服务暂时不可用，请稍后重试", nil)
	default:
		var submission *service.SubmissionError
		if errors.As(err, &submission) {
			respond(c, http.StatusBadGateway, kind, err.Error(), nil)
			return
		}
		log.Errorf("[Handler] %s %s 处理失败: %v", c.Request.Method, c.FullPath(), err)
		_ = c.Error(err)
		respond(c, http.StatusInternalServerError, kind, "服务器内部错误", nil)
	}
}

// principal 返回调用者，不存在时写入 500 并返回 false。
func principal(c *gin.Context) (*middleware.Principal, bool) {
	p, exists := middleware.CurrentPrincipal(c)
	if !exists {
		respond(c, http.StatusInternalServerError, service.KindTerminalError, "无法获取用户信息", nil)
		return nil, false
	}
	return p, true
}
