// Package api wires together all HTTP routes for the DeployX backend.
//
// Route groups:
//   - /, /api/health and /api/platform/status are public so the frontend can
//     decide which onboarding step to show before anyone has logged in.
//   - /api/auth/register and /api/auth/token are public but carry the stricter
//     auth rate limit.
//   - Everything else under /api requires a bearer token for an active user.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/deployx/deployx/internal/api/accounts"
	"github.com/deployx/deployx/internal/api/auditlogs"
	"github.com/deployx/deployx/internal/api/platform"
	"github.com/deployx/deployx/internal/api/projects"
	"github.com/deployx/deployx/internal/api/tunnels"
	"github.com/deployx/deployx/internal/audit"
	"github.com/deployx/deployx/internal/cloudflare"
	"github.com/deployx/deployx/internal/config"
	"github.com/deployx/deployx/internal/crypto"
	"github.com/deployx/deployx/internal/db/repositories"
	"github.com/deployx/deployx/internal/envfile"
	"github.com/deployx/deployx/internal/middleware"
	"github.com/deployx/deployx/internal/provisioning"
)

const redisRateLimitPrefix = "deployx:ratelimit:"

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) calls Shutdown after the HTTP server has
// drained.
type BackgroundServices struct {
	memoryLimiters []*middleware.MemoryLimiter
	redisClient    *redis.Client
	recorder       *audit.Recorder
}

// Shutdown stops limiters, flushes audit shippers and closes Redis
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.memoryLimiters {
		rl.Stop()
	}
	if err := bg.recorder.Close(); err != nil {
		slog.Warn("failed to close audit shippers", "error", err)
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. cipher seals provider and
// tunnel tokens at rest.
func NewRouter(cfg *config.Config, db *sql.DB, cipher *crypto.SecretCipher) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	bg := &BackgroundServices{}

	sqlxDB := sqlx.NewDb(db, "postgres")
	userRepo := repositories.NewUserRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	provisioningRepo := repositories.NewProvisioningConfigRepository(sqlxDB)
	projectRepo := repositories.NewProjectRepository(sqlxDB)

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	var recorderShipper audit.Shipper
	if shipper.Len() > 0 {
		recorderShipper = shipper
		slog.Info("audit shipping enabled", "shippers", shipper.Len())
	}
	recorder := audit.NewRecorder(auditRepo, recorderShipper, cfg.Audit.Enabled)
	bg.recorder = recorder

	tokenFile := envfile.New(cfg.Tunnel.TokenFile)
	cf := cfg.Cloudflare
	providers := func(apiToken string) provisioning.Provider {
		return cloudflare.New(apiToken,
			cloudflare.WithBaseURL(cf.APIBaseURL),
			cloudflare.WithTunnelDomain(cf.TunnelDomain),
			cloudflare.WithIngressService(cf.IngressService),
			cloudflare.WithTimeout(cf.RequestTimeout),
		)
	}
	provisioner := provisioning.NewService(
		providers, provisioningRepo, provisioningRepo, tokenFile, recorder, cipher,
		provisioning.Options{TunnelPrefix: cf.TunnelPrefix, TokenKey: cfg.Tunnel.TokenKey},
	)

	authLimiter, generalLimiter := newLimiters(cfg, bg)

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	platformHandlers := platform.NewHandlers(&cfg.Platform, db, userRepo, provisioningRepo)
	accountHandlers := accounts.NewHandlers(&cfg.Auth, userRepo, recorder)
	tunnelHandlers := tunnels.NewHandlers(provisioner)
	projectHandlers := projects.NewHandlers(projectRepo, recorder)
	auditHandlers := auditlogs.NewHandlers(auditRepo)

	router.GET("/", platformHandlers.Root())

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/health", platformHandlers.Health())
		apiGroup.GET("/platform/status", platformHandlers.Status())

		authGroup := apiGroup.Group("/auth")
		if authLimiter != nil {
			authGroup.Use(middleware.RateLimitMiddleware(authLimiter))
		}
		if cfg.Audit.LogFailedRequests {
			authGroup.Use(middleware.FailedRequestAuditMiddleware(recorder))
		}
		{
			authGroup.POST("/register", accountHandlers.Register())
			authGroup.POST("/token", accountHandlers.Token())
		}

		authenticated := apiGroup.Group("")
		authenticated.Use(middleware.AuthMiddleware(userRepo))
		if generalLimiter != nil {
			authenticated.Use(middleware.RateLimitMiddleware(generalLimiter))
		}
		if cfg.Audit.LogFailedRequests {
			authenticated.Use(middleware.FailedRequestAuditMiddleware(recorder))
		}
		{
			authenticated.GET("/auth/me", accountHandlers.Me())

			cfGroup := authenticated.Group("/cloudflare")
			{
				cfGroup.POST("/setup", tunnelHandlers.Setup())
				cfGroup.GET("/config", tunnelHandlers.Config())
				cfGroup.DELETE("/tunnel/:tunnel_id", tunnelHandlers.Delete())
			}

			projectsGroup := authenticated.Group("/projects")
			{
				projectsGroup.POST("", projectHandlers.Create())
				projectsGroup.GET("", projectHandlers.List())
				projectsGroup.GET("/:id", projectHandlers.Get())
				projectsGroup.DELETE("/:id", projectHandlers.Delete())
				projectsGroup.GET("/:id/deployments", projectHandlers.Deployments())
			}

			authenticated.GET("/audit-logs", auditHandlers.List())
		}
	}

	return router, bg, nil
}

// newLimiters returns nil limiters when rate limiting is disabled
func newLimiters(cfg *config.Config, bg *BackgroundServices) (auth, general middleware.Limiter) {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		slog.Warn("rate limiting disabled")
		return nil, nil
	}

	authCfg := middleware.RateLimitConfig{RequestsPerMinute: rl.AuthRequestsPerMinute, BurstSize: rl.AuthBurst}
	generalCfg := middleware.RateLimitConfig{RequestsPerMinute: rl.RequestsPerMinute, BurstSize: rl.Burst}

	if rl.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     rl.Redis.Address,
			Password: rl.Redis.Password,
			DB:       rl.Redis.DB,
		})
		bg.redisClient = rdb

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable at startup; requests will be allowed until it recovers", "address", rl.Redis.Address, "error", err)
		}
		slog.Info("using redis rate limiter", "address", rl.Redis.Address)
		return middleware.NewRedisLimiter(rdb, redisRateLimitPrefix+"auth:", authCfg),
			middleware.NewRedisLimiter(rdb, redisRateLimitPrefix+"api:", generalCfg)
	}

	authLimiter := middleware.NewMemoryLimiter(authCfg)
	generalLimiter := middleware.NewMemoryLimiter(generalCfg)
	bg.memoryLimiters = append(bg.memoryLimiters, authLimiter, generalLimiter)
	return authLimiter, generalLimiter
}

// LoggerMiddleware writes one structured log line per request
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.RequestID(c)),
		}
		if userID := c.GetString(middleware.ContextKeyUserID); userID != "" {
			attrs = append(attrs, slog.String("user_id", userID))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}

// CORSMiddleware allows the configured frontend origins
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	if methods == "" {
		methods = "GET, POST, PUT, DELETE, OPTIONS"
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := ""
		for _, o := range cfg.Security.CORS.AllowedOrigins {
			if o == "*" || (origin != "" && o == origin) {
				allowed = o
				break
			}
		}

		if allowed != "" {
			if allowed == "*" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
