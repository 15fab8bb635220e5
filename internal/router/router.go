package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Attempt *handler.AttemptHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// Deps are the middleware collaborators shared across route groups.
type Deps struct {
	Auth   middleware.TokenValidator
	Ledger middleware.RequestLedger
	Log    zerolog.Logger
	// Done stops background limiter cleanup.
	Done <-chan struct{}
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(deps Deps, handlers *Handlers, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", model.IdempotencyHeader}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Idempotent-Replayed"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request IDs and the zerolog access log replace gin's default logger.
	router.Use(response.RequestIDMiddleware(deps.Log))

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	loginLimiter := middleware.NewRateLimiter(10, time.Minute, middleware.ClientIPKey)
	startLimiter := middleware.NewRateLimiter(cfg.StartRateLimit, time.Minute, middleware.CandidateKey)
	go loginLimiter.Run(deps.Done)
	go startLimiter.Run(deps.Done)

	api := router.Group("/api/v1")

	// ─── 0. Public Group (No Auth) ─────────────────────────────────────
	api.POST("/auth/proctor/login", loginLimiter.Middleware(), handlers.Auth.ProctorLogin)

	// ─── 1. Candidate Group (Attempt Store) ────────────────────────────
	candidate := api.Group("", middleware.RequireCandidateJWT(deps.Auth))
	{
		candidate.POST("/tests/:test_id/attempts", startLimiter.Middleware(), handlers.Attempt.StartAttempt)

		attempts := candidate.Group("/attempts/:attempt_id", middleware.Idempotency(deps.Ledger, deps.Log))
		{
			attempts.GET("", handlers.Attempt.GetAttempt)
			attempts.POST("/answers", handlers.Attempt.SaveAnswer)
			attempts.POST("/review", handlers.Attempt.ToggleReview)
			attempts.POST("/pause", handlers.Attempt.Pause)
			attempts.POST("/resume", handlers.Attempt.Resume)
			attempts.POST("/submit", handlers.Attempt.Submit)
			attempts.POST("/sections/:section_id/submit", handlers.Attempt.SubmitSection)
		}
	}

	// ─── 2. Proctor Group ──────────────────────────────────────────────
	proctor := api.Group("/proctor", middleware.RequireProctorJWT(deps.Auth))
	{
		proctor.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	// ─── 3. WebSocket Group ────────────────────────────────────────────
	wsGroup := router.Group("/ws/v1")
	{
		wsGroup.GET("/tests/:test_id/monitor", middleware.RequireProctorWSAuth(deps.Auth), handlers.Monitor.MonitorTest)
	}

	return router
}
