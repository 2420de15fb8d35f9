package handler

import (
	"extractpay/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, authService *service.AuthService) *gin.Engine {
	router := gin.New()

	router.Use(LoggerMiddleware())
	router.Use(RecoveryMiddleware())
	router.Use(CORSMiddleware())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		// 开放路由：登录和回调不需要会话
		auth := v1.Group("/auth")
		{
			auth.POST("/magic-link", h.RequestMagicLink)
			auth.GET("/verify", h.VerifyMagicLink)
		}

		// 回调用验签做认证，绝不能挂会话中间件
		v1.POST("/stripe/webhook", h.StripeWebhook)

		v1.GET("/checkout/tiers", h.ListTiers)

		// 会话路由
		authed := v1.Group("")
		authed.Use(AuthMiddleware(authService))
		{
			authed.POST("/checkout/session", h.CreateCheckoutSession)
			authed.POST("/extract", h.Extract)
			authed.GET("/account/balance", h.GetBalance)
			authed.GET("/account/transactions", h.ListTransactions)
			authed.GET("/extractions", h.ListExtractions)
		}
	}

	return router
}
