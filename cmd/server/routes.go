package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anypay.backend/internal/config"
	"anypay.backend/internal/interfaces/http/handlers"
	"anypay.backend/internal/interfaces/http/middleware"
	"anypay.backend/pkg/jwt"
)

type routeDeps struct {
	chainHandler      *handlers.ChainHandler
	balanceHandler    *handlers.BalanceHandler
	debtHandler       *handlers.DebtHandler
	settlementHandler *handlers.SettlementHandler
	webhookHandler    *handlers.WebhookHandler
	healthHandler     *handlers.HealthHandler
	jwtService        *jwt.JWTService
}

func newRouter(cfg *config.Config, d routeDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggerMiddleware())

	applyCORSMiddleware(r)
	registerHealthRoute(r, d.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	registerAPIV1Routes(r, d, cfg.Bridge)
	return r
}

func applyCORSMiddleware(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Request-ID, X-Webhook-Signature, X-Webhook-Timestamp")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
}

func registerHealthRoute(r *gin.Engine, h *handlers.HealthHandler) {
	if h == nil {
		h = handlers.NewHealthHandler(nil)
	}
	r.GET("/health", h.Health)
}

func registerAPIV1Routes(r *gin.Engine, d routeDeps, bridgeCfg config.BridgeConfig) {
	auth := middleware.AuthMiddleware(d.jwtService)

	v1 := r.Group("/api/v1")
	{
		// Chain registry (public)
		chains := v1.Group("/chains")
		{
			chains.GET("", d.chainHandler.ListChains)
			chains.GET("/:chainId", d.chainHandler.GetChain)
		}

		v1.GET("/balances", auth, d.balanceHandler.CheckBalance)

		debts := v1.Group("/debts")
		debts.Use(auth)
		{
			debts.POST("", middleware.IdempotencyMiddleware(), d.debtHandler.CreateDebt)
			debts.GET("/mine", d.debtHandler.ListMyDebts)
			debts.GET("/:id", d.debtHandler.GetDebt)
		}

		settlements := v1.Group("/settlements")
		settlements.Use(auth)
		{
			settlements.POST("/prepare", d.settlementHandler.Prepare)
			settlements.POST("/submit", middleware.IdempotencyMiddleware(), d.settlementHandler.Submit)
			settlements.POST("/finalize", middleware.RequireOperator(), d.settlementHandler.Finalize)
		}

		// Bridge delivery notifications (signed, no user identity)
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/bridge",
				middleware.WebhookSignatureMiddleware(bridgeCfg.WebhookSecret, bridgeCfg.WebhookMaxSkew),
				d.webhookHandler.HandleBridgeDelivery,
			)
		}

		admin := v1.Group("/admin")
		admin.Use(auth, middleware.RequireOperator())
		{
			admin.GET("/debts", d.debtHandler.QueryUserDebts)
			admin.POST("/reconcile", d.webhookHandler.Reconcile)
		}
	}
}
