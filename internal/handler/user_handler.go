package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mydouble-go/internal/middleware"
	"mydouble-go/internal/service"
	"mydouble-go/pkg/log"
)

// UserHandler 负责处理所有与普通用户相关的 API 请求。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// RegisterRequest 定义了用户注册 API 的请求体结构。
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register 处理用户注册请求。X-Guest-Id 头存在时迁移匿名会话。
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: Invalid request payload, error: %v", err)
		badRequest(c, "无效的请求负载：用户名和密码不能为空")
		return
	}

	res, err := h.userService.Register(c.Request.Context(), req.Username, req.Password, guestID(c))
	if err != nil {
		log.Warnf("Register: User registration failed for '%s', error: %v", req.Username, err)
		fail(c, err)
		return
	}

	log.Infof("User '%s' registered successfully", res.User.Username)
	ok(c, "User registered successfully", authData(res))
}

// LoginRequest 定义了用户登录 API 的请求体结构。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理用户登录请求。
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		badRequest(c, "无效的请求负载：用户名和密码不能为空")
		return
	}

	res, err := h.userService.Login(c.Request.Context(), req.Username, req.Password, guestID(c))
	if err != nil {
		log.Warnf("Login: User authentication failed for '%s', error: %v", req.Username, err)
		if errors.Is(err, service.ErrInvalidCredentials) {
			respond(c, http.StatusUnauthorized, "unauthorized", "无效的凭证", nil)
			return
		}
		fail(c, err)
		return
	}

	log.Infof("User '%s' logged in successfully", req.Username)
	ok(c, "Login successful", authData(res))
}

func guestID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(middleware.GuestHeader))
}

func authData(res *service.AuthResult) gin.H {
	data := gin.H{
		"token":        res.AccessToken,
		"refreshToken": res.RefreshToken,
		"user":         res.User,
	}
	if res.Migration != nil {
		data["migration"] = res.Migration
	}
	return data
}

// GetProfile 获取当前登录用户的个人信息与余额。
func (h *UserHandler) GetProfile(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	profile, err := h.userService.GetProfile(c.Request.Context(), p.AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "success", profile)
}

// Logout 处理用户登出逻辑。
func (h *UserHandler) Logout(c *gin.Context) {
	p, exists := principal(c)
	if !exists {
		return
	}
	if err := h.userService.Logout(c.Request.Context(), p.Token); err != nil {
		log.Error("Logout: Failed to logout", err)
		respond(c, http.StatusInternalServerError, service.KindTerminalError, "登出失败", nil)
		return
	}
	log.Infof("User '%s' logged out successfully", p.Username)
	ok(c, "登出成功", nil)
}
