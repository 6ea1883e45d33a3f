package handler

import (
	"tipledger/config"
	"tipledger/internal/adapter/http/middleware"
	redisStore "tipledger/internal/adapter/storage/redis"
	"tipledger/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	AccountSvc     ports.AccountService
	TransferSvc    ports.TransferService
	GiveawaySvc    ports.GiveawayService
	ReportingSvc   ports.ReportingService
	SigSvc         ports.SignatureService
	TokenSvc       ports.TokenService
	NonceStore     ports.NonceStore
	Auth           config.AuthConfig
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	AuditSvc       ports.AuditService         // nil = audit logging disabled
	HealthCheckers []ports.HealthChecker
	Registry       *prometheus.Registry // nil = no /metrics
	Mode           string               // gin mode; empty = release
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	mode := deps.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	if deps.Registry != nil {
		r.Use(middleware.HTTPMetrics(deps.Registry))
	}
	r.Use(middleware.MaxBodySize(1 << 20))

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.Registry != nil {
		r.GET("/metrics", Metrics(deps.Registry))
	}

	swagger := r.Group("/swagger")
	{
		swagger.GET("", SwaggerUI)
		swagger.GET("/spec", SwaggerSpec)
	}

	rules := middleware.DefaultRateLimitRules()
	rl := func(group string) gin.HandlerFunc {
		rule, ok := rules[group]
		if deps.RateLimitStore == nil || !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	// --- Bot routes (HMAC-signed) ---
	clientAuth := middleware.ClientAuth(deps.Auth, deps.SigSvc, deps.NonceStore, deps.Logger)
	userHandler := NewUserHandler(deps.AccountSvc)
	transferHandler := NewTransferHandler(deps.TransferSvc)
	giveawayHandler := NewGiveawayHandler(deps.GiveawaySvc)

	users := v1.Group("/users", clientAuth)
	{
		users.POST("", rl("users"), userHandler.Register)
		users.GET("/:id/balance", rl("read"), userHandler.GetBalance)
	}

	v1.POST("/tips", clientAuth, rl("tips"), transferHandler.Tip)
	v1.POST("/withdrawals", clientAuth, rl("withdrawals"), transferHandler.Withdraw)
	v1.GET("/transactions/:id", clientAuth, rl("read"), transferHandler.GetTransaction)

	giveaways := v1.Group("/giveaways", clientAuth)
	{
		giveaways.POST("", rl("giveaways"), giveawayHandler.Create)
		giveaways.GET("/:id", rl("read"), giveawayHandler.Get)
		giveaways.POST("/:id/fund", rl("giveaways"), giveawayHandler.Fund)
		giveaways.POST("/:id/payout", rl("giveaways"), giveawayHandler.Payout)
		giveaways.POST("/:id/cancel", rl("giveaways"), giveawayHandler.Cancel)
	}

	// --- Operator routes (JWT) ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	adminHandler := NewAdminHandler(deps.TransferSvc, deps.AccountSvc, deps.ReportingSvc)

	admin := v1.Group("/admin", jwtAuth, rl("admin"))
	if deps.AuditSvc != nil {
		admin.Use(middleware.AuditLog(deps.AuditSvc))
	}
	{
		admin.GET("/transactions/failed", adminHandler.ListFailed)
		admin.POST("/transactions/:id/replay", adminHandler.Replay)
		admin.PUT("/users/:id/freeze", adminHandler.Freeze)
		admin.DELETE("/users/:id/freeze", adminHandler.Unfreeze)
		admin.GET("/stats", adminHandler.Stats)
	}

	return r
}
