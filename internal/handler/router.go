package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mydouble-go/internal/config"
	"mydouble-go/internal/hub"
	"mydouble-go/internal/middleware"
	"mydouble-go/internal/service"
	"mydouble-go/pkg/token"
)

// RouterDeps 汇总注册路由所需的服务。
type RouterDeps struct {
	Config     *config.Config
	JWT        *token.JWTManager
	Users      service.UserService
	Admin      service.AdminService
	Ledger     service.CreditLedger
	Generation *service.GenerationService
	Hub        *hub.Hub
}

// NewRouter 创建路由引擎并注册全部路由。
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), middleware.Metrics(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/jobs", NewJobSocketHandler(d.Hub, d.Users, d.JWT).Serve)

	userHandler := NewUserHandler(d.Users)
	conversationHandler := NewConversationHandler(d.Generation)
	generationHandler := NewGenerationHandler(d.Generation)
	assetHandler := NewAssetHandler(d.Generation)
	creditHandler := NewCreditHandler(d.Ledger, d.Config.Credits, d.Config.Synthesis.DefaultResolution)
	adminHandler := NewAdminHandler(d.Admin)

	// 匿名用户可以浏览会话并查询余额，消费类操作会得到 402 guest 结果
	identity := middleware.AuthMiddleware(d.JWT, d.Users, true)
	authed := middleware.AuthMiddleware(d.JWT, d.Users, false)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/auth/refreshToken", NewAuthHandler(d.Users).RefreshToken)

		users := apiV1.Group("/users")
		{
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)
			users.GET("/me", authed, userHandler.GetProfile)
			users.POST("/logout", authed, userHandler.Logout)
		}

		conversations := apiV1.Group("/conversations", identity)
		{
			conversations.GET("/:id", conversationHandler.GetConversation)
			conversations.POST("/:id/messages", conversationHandler.AppendMessage)
			conversations.DELETE("/:id/view", conversationHandler.CloseView)
		}

		generations := apiV1.Group("/generations", identity)
		{
			generations.POST("", generationHandler.Submit)
			generations.GET("/:jobId", generationHandler.Status)
		}

		assets := apiV1.Group("/assets", identity)
		{
			assets.POST("/:assetId/unlock", assetHandler.Unlock)
			assets.GET("/:assetId/content", assetHandler.Content)
		}

		credits := apiV1.Group("/credits", identity)
		{
			credits.GET("", creditHandler.Balance)
			credits.GET("/history", creditHandler.History)
			credits.POST("/check", creditHandler.Check)
			credits.POST("/daily-checkin", creditHandler.DailyCheckin)
		}

		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin := apiV1.Group("/admin", authed, middleware.AdminAuthMiddleware())
		{
			admin.GET("/users/list", adminHandler.ListUsers)
			admin.POST("/credits/:accountId/grant", adminHandler.GrantCredits)
			admin.GET("/credits/:accountId/audit", adminHandler.Audit)
		}
	}
	return r
}
