package router

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/gig-escrow/internal/config"
	"github.com/ignatzorin/gig-escrow/internal/http/handlers"
	"github.com/ignatzorin/gig-escrow/internal/http/middleware"
	"github.com/ignatzorin/gig-escrow/internal/service"
)

func SetupRouter(
	cfg *config.Config,
	healthHandler *handlers.HealthHandler,
	checkoutHandler *handlers.CheckoutHandler,
	webhookHandler *handlers.WebhookHandler,
	connectHandler *handlers.ConnectHandler,
	orderHandler *handlers.OrderHandler,
	paymentHandler *handlers.PaymentHandler,
	payoutHandler *handlers.PayoutHandler,
	wsHandler *handlers.WSHandler,
	tokenManager *service.TokenManager,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", healthHandler.Health)

	api := r.Group("/api")

	// Вебхуки шлюза: без JWT, подлинность проверяется подписью.
	api.POST("/webhooks/gateway", webhookHandler.Receive)

	if wsHandler != nil {
		api.GET("/ws", wsHandler.Handle)
	}

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(tokenManager))
	{
		checkoutLimit := middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod, middleware.ByUser)
		protected.POST("/checkout", checkoutLimit, checkoutHandler.Checkout)

		orders := protected.Group("/orders")
		{
			orders.POST("", orderHandler.CreateOrder)
			orders.GET("/:id", middleware.UUIDValidator("id"), orderHandler.GetOrder)
			orders.POST("/:id/accept", middleware.UUIDValidator("id"), orderHandler.AcceptOrder)
			orders.POST("/:id/dispute", middleware.UUIDValidator("id"), orderHandler.OpenDispute)
			orders.POST("/:id/dispute/resolve", middleware.RequireRole(service.RoleAdmin),
				middleware.UUIDValidator("id"), orderHandler.ResolveDispute)
		}

		protected.POST("/transactions/:id/refund", middleware.RequireRole(service.RoleAdmin),
			middleware.UUIDValidator("id"), paymentHandler.Refund)

		connect := protected.Group("/connect")
		connect.Use(middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod, middleware.ByUser))
		{
			connect.POST("/account", connectHandler.CreateAccount)
			connect.GET("/status", connectHandler.Status)
			connect.POST("/refresh", connectHandler.Refresh)
			connect.GET("/dashboard", connectHandler.Dashboard)
		}

		protected.GET("/payouts", payoutHandler.ListPayouts)
		protected.GET("/payouts/earnings", payoutHandler.Earnings)

		admin := protected.Group("/admin")
		admin.Use(middleware.RequireRole(service.RoleAdmin))
		{
			admin.POST("/transactions/:id/capture", middleware.UUIDValidator("id"), paymentHandler.Capture)
			admin.POST("/payouts/:id/retry", middleware.UUIDValidator("id"), payoutHandler.RetryPayout)
			admin.POST("/payouts/sweep", payoutHandler.Sweep)
			admin.POST("/reconcile", payoutHandler.Reconcile)
		}
	}

	return r
}
