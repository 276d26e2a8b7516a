package handler

import (
	"net/http"

	"github.com/agentswallets/cli/internal/adapter/http/middleware"
	"github.com/agentswallets/cli/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	OperationSvc   ports.OperationService
	PolicySvc      ports.PolicyService
	AuditSvc       ports.AuditService
	SessionGate    ports.SessionGate
	RateLimitStore middleware.RateLimitStore // nil = command throttle disabled
	CommandRule    middleware.RateLimitRule
	HealthCheckers []ports.HealthChecker
	Metrics        http.Handler // nil = /metrics not served
	Mode           string
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	switch deps.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(deps.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(64 << 10))
	r.Use(middleware.SessionToken())

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	var throttle gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if deps.RateLimitStore != nil && deps.CommandRule.Limit > 0 {
		throttle = middleware.CommandThrottle(deps.RateLimitStore, "commands", deps.CommandRule, deps.Logger)
	}

	ops := NewOperationHandler(deps.OperationSvc)
	policies := NewPolicyHandler(deps.PolicySvc)
	audit := NewAuditHandler(deps.AuditSvc)

	v1 := r.Group("/api/v1")

	// Money-moving commands; the services enforce the session gate.
	wallets := v1.Group("/wallets/:wallet_id")
	{
		wallets.POST("/send", throttle, ops.Send)
		wallets.POST("/orders", throttle, ops.PlaceOrder)
		wallets.POST("/orders/:order_id/cancel", throttle, ops.CancelOrder)

		wallets.GET("/policy", policies.GetPolicy)
		wallets.PUT("/policy", middleware.RequireSession(deps.SessionGate), policies.SetPolicy)
		wallets.GET("/spend", policies.Spend)
	}

	v1.POST("/policy/evaluate", policies.Evaluate)
	v1.GET("/operations/by-key/:key", ops.GetByKey)

	auditGroup := v1.Group("/audit")
	{
		auditGroup.GET("", audit.List)
		auditGroup.GET("/verify", audit.Verify)
	}

	return r
}
