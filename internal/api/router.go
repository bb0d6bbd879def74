package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/api/admin"
	"github.com/liliang-cn/guideflow/internal/api/middleware"
	"github.com/liliang-cn/guideflow/internal/api/session"
	"github.com/liliang-cn/guideflow/internal/metrics"
	"github.com/liliang-cn/guideflow/internal/service"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey          string
	AllowOrigins    []string
	RateLimit       bool
	RequestsPerHour int
	Reveal          session.RevealConfig
}

// SetupRouter sets up the Gin router
func SetupRouter(
	sessions *service.SessionService,
	amplifier *service.AmplifierService,
	cfg RouterConfig,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.AllowOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiGroup := r.Group("/api")
	apiGroup.Use(middleware.Auth(cfg.APIKey))

	adminHandler := admin.NewHandler(sessions, amplifier)
	adminHandler.RegisterPublicRoutes(apiGroup)

	scoped := []gin.HandlerFunc{middleware.Workspace()}
	if cfg.RateLimit {
		scoped = append(scoped, middleware.RateLimit(middleware.NewRateLimiter(cfg.RequestsPerHour)))
	}

	sessionHandler := session.NewHandler(sessions, amplifier, cfg.Reveal, logger)
	sessionGroup := apiGroup.Group("/sessions", scoped...)
	sessionHandler.RegisterRoutes(sessionGroup)

	adminGroup := apiGroup.Group("/admin", scoped...)
	adminHandler.RegisterRoutes(adminGroup)

	return r
}
