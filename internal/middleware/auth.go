// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mydouble-go/internal/model"
	"mydouble-go/internal/service"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/token"
)

// GuestHeader 携带匿名会话的账号标识。
const GuestHeader = "X-Guest-Id"

const principalKey = "principal"

// Principal 是当前请求的调用者。
type Principal struct {
	UserID    uint
	Username  string
	Role      string
	AccountID string
	Guest     bool
	Token     string
}

// IsAdmin 返回调用者是否为管理员。
func (p *Principal) IsAdmin() bool {
	return !p.Guest && p.Role == model.RoleAdmin
}

// CurrentPrincipal 返回由 AuthMiddleware 注入的调用者。
func CurrentPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    http.StatusUnauthorized,
		"kind":    "unauthorized",
		"message": message,
		"data":    nil,
	})
}

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// allowGuest 为 true 时，没有授权头但带有 X-Guest-Id 的请求以匿名身份放行。
func AuthMiddleware(jwtManager *token.JWTManager, userService service.UserService, allowGuest bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			guestID := strings.TrimSpace(c.GetHeader(GuestHeader))
			if allowGuest && guestID != "" && model.IsGuestAccount(guestID) {
				c.Set(principalKey, &Principal{AccountID: guestID, Guest: true})
				c.Next()
				return
			}
			unauthorized(c, "请求未包含授权头")
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			unauthorized(c, "无效的授权头格式")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		claims, err := jwtManager.VerifyKind(tokenString, token.KindAccess)
		if err != nil {
			unauthorized(c, "无效或已过期的 token")
			return
		}
		revoked, err := userService.IsRevoked(c.Request.Context(), tokenString)
		if err != nil {
			log.Warnf("AuthMiddleware: 查询黑名单失败: %v", err)
		}
		if revoked {
			unauthorized(c, "token 已失效")
			return
		}

		// 用户可能已被删除
		if _, err := userService.FindByAccountID(c.Request.Context(), claims.AccountID); err != nil {
			unauthorized(c, "用户不存在")
			return
		}

		c.Set(principalKey, &Principal{
			UserID:    claims.UserID,
			Username:  claims.Username,
			Role:      claims.Role,
			AccountID: claims.AccountID,
			Token:     tokenString,
		})
		c.Next()
	}
}
