package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"conteo/collector/metrics"
	"conteo/collector/middleware"
)

// RouterConfig carries everything NewRouter wires together.
type RouterConfig struct {
	Track    *TrackHandlers
	Admin    *AdminHandlers
	Health   *HealthHandler
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Log      *zap.Logger

	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies lists the peers whose X-Forwarded-For is believed.
	// Nil trusts none, so ClientIP is the socket peer.
	TrustedProxies []string
	// JWTSecret enables the internal routes when set.
	JWTSecret []byte
	// Done stops background middleware goroutines.
	Done <-chan struct{}
}

// NewRouter builds the gin engine serving ingestion, health, metrics and
// internal routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Error("Invalid trusted proxies, trusting none", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(middleware.RequestLogger(log), middleware.Recovery(log), middleware.CORS())

	if cfg.Health != nil {
		r.GET("/health", cfg.Health.HealthCheck)
	}
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.Use(middleware.BotFilter())
	api.Use(middleware.RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.Done, cfg.Metrics))
	{
		api.POST("/track", cfg.Track.TrackPageview)
		api.POST("/track-cod", cfg.Track.TrackConversion)
		api.POST("/track-event", cfg.Track.TrackCustomEvent)
	}

	if len(cfg.JWTSecret) > 0 && cfg.Admin != nil {
		internal := r.Group("/internal")
		internal.Use(middleware.ServiceAuthRequired(cfg.JWTSecret, log))
		{
			internal.POST("/sites/cache/invalidate", cfg.Admin.InvalidateSiteCache)
		}
	}

	return r
}
