package handler

import (
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/service"
	"nfcunha/stevedore/utils/metrics"
)

// Services bundles the managers the router exposes.
type Services struct {
	Containers *service.ContainerService
	Images     *service.ImageService
	Volumes    *service.VolumeService
	Networks   *service.NetworkService
	System     *service.SystemService
	// Actions is nil when the audit trail is disabled.
	Actions ActionLister
}

// RouterConfig holds transport settings. A zero RequestTimeout leaves
// requests unbounded.
type RouterConfig struct {
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// streamingRoutes read the daemon's progress stream until it ends, so the
// request timeout does not apply to them.
var streamingRoutes = []string{
	"/api/images/pull",
	"/api/images/build",
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(svc Services, cfg RouterConfig, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(RequestLogger(logger))
	engine.Use(Metrics(m))
	engine.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	if cfg.RequestTimeout > 0 {
		engine.Use(Timeout(cfg.RequestTimeout, streamingRoutes...))
	}

	systemHandler := NewSystemHandler(svc.System, svc.Actions, m, logger)
	engine.GET("/health", systemHandler.Health)
	engine.GET("/metrics", gin.WrapH(m.Handler()))

	api := engine.Group("/api")
	api.GET("/commands", Commands(engine))
	systemHandler.Register(api)
	NewContainerHandler(svc.Containers, m, logger).Register(api)
	NewLogHandler(svc.Containers, cfg.CORSOrigins, m, logger).Register(api)
	NewImageHandler(svc.Images, m, logger).Register(api)
	NewVolumeHandler(svc.Volumes, m, logger).Register(api)
	NewNetworkHandler(svc.Networks, m, logger).Register(api)

	return engine
}

// corsConfig allows any origin, without credentials, when origins is empty
// or contains "*".
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}
