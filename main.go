package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"conteo/collector/config"
	"conteo/collector/database"
	"conteo/collector/funnel"
	"conteo/collector/geo"
	"conteo/collector/handlers"
	"conteo/collector/logger"
	"conteo/collector/metrics"
	"conteo/collector/store"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.GetConfigPath("config.yml"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Service.Debug,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if !cfg.Service.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Postgres: site registry and conversion funnels ---
	pg, err := database.NewPostgresDB(cfg.Postgres, log)
	if err != nil {
		return err
	}
	defer pg.Close()

	// --- ClickHouse: pageviews and custom events ---
	ch, err := database.NewClickHouseDB(cfg.ClickHouse, cfg.Service, log)
	if err != nil {
		return err
	}
	defer ch.Close()

	analyticsStore := store.NewAnalyticsStore(ch.Conn, log)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	err = analyticsStore.EnsureSchema(schemaCtx)
	cancelSchema()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	checks := map[string]handlers.Pinger{
		"postgres":   pg.DB.PingContext,
		"clickhouse": ch.Conn.Ping,
	}

	// --- Site registry, optionally cached in Redis ---
	var sites handlers.SiteRegistry = store.NewSiteStore(pg.DB)
	var invalidator handlers.SiteCacheInvalidator
	if cfg.Redis.Address != "" {
		rdb, redisErr := database.NewRedisClient(cfg.Redis)
		if redisErr != nil {
			return redisErr
		}
		defer closeRedis(rdb, log)

		cached := store.NewCachedSiteStore(store.NewSiteStore(pg.DB), rdb, cfg.Redis.SiteCacheTTL, log, m)
		sites, invalidator = cached, cached
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("Site cache enabled", zap.String("addr", cfg.Redis.Address), zap.Duration("ttl", cfg.Redis.SiteCacheTTL))
	}

	reconciler := funnel.NewReconciler(store.NewConversionStore(pg.DB), funnel.Config{
		Mode:              cfg.Ingestion.ConversionMode,
		DefaultCurrency:   cfg.Ingestion.DefaultCurrency,
		LateArrivalWindow: cfg.Ingestion.LateArrivalWindow,
	}, log.Named("funnel"))

	done := make(chan struct{})
	defer close(done)

	router := handlers.NewRouter(handlers.RouterConfig{
		Track: handlers.NewTrackHandlers(handlers.TrackDeps{
			Sites:       sites,
			Events:      analyticsStore,
			Conversions: reconciler,
			Geo:         geo.NewResolver(cfg.Ingestion),
			Metrics:     m,
			Log:         log.Named("ingest"),
			Timeout:     cfg.Service.RequestTimeout,
		}),
		Admin:          handlers.NewAdminHandlers(invalidator, log.Named("admin")),
		Health:         handlers.NewHealthHandler(cfg.Service.Version, checks),
		Gatherer:       reg,
		Metrics:        m,
		Log:            log,
		RateLimitRPS:   float64(cfg.Ingestion.RateLimitRPS),
		RateLimitBurst: cfg.Ingestion.RateLimitBurst,
		TrustedProxies: cfg.Ingestion.Proxies(),
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		Done:           done,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Collector listening",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Service.Version),
			zap.String("conversion_mode", cfg.Ingestion.ConversionMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("Collector stopped")
	return nil
}

func closeRedis(rdb *redis.Client, log *zap.Logger) {
	if err := rdb.Close(); err != nil {
		log.Warn("Error closing Redis client", zap.Error(err))
	}
}
