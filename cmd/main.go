package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/admission"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/cache"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/gateway"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/proxy"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/internal/telemetry"
	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/store"
)

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func newCompleter(cfg *config.Config) (gateway.Completer, error) {
	if !cfg.UpstreamEnabled() {
		log.Warn().Msg("no upstream configured, answering with the echo completer")
		return proxy.Echo{}, nil
	}
	return proxy.NewClient(proxy.Provider(cfg.UpstreamBackend), cfg.UpstreamURL, cfg.UpstreamAPIKey)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)
	log.Info().Str("port", cfg.Port).Msg("starting tollgate")

	ctx := context.Background()

	// Optional Postgres archive.
	var db *database.DB
	if cfg.ArchiveEnabled() {
		db, err = database.New(ctx, cfg.DSN())
		if err != nil {
			log.Warn().Err(err).Str("dsn", cfg.RedactedDSN()).Msg("archive unavailable, running without it")
			db = nil
		} else {
			defer db.Close()
			migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := db.Migrate(migrateCtx)
			cancel()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to run migrations")
			}
			log.Info().Str("dsn", cfg.RedactedDSN()).Msg("archive connected and migrations applied")
		}
	}

	// Shared store. An unreachable Redis disables cache, admission and
	// metrics persistence but the gateway still serves.
	st := store.New(ctx, store.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.StoreTimeout,
	})
	defer st.Close()

	rt, err := router.NewRouter(cfg.TierTable())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build router")
	}
	respCache := cache.New(st, cache.Options{
		DefaultTTL: cfg.CacheTTLDefault,
		DomainTTL:  cfg.CacheTTLDomain,
	})
	admit := admission.New(st, admission.Options{
		Limit:       cfg.RateLimit,
		Window:      cfg.RateLimitWindow,
		CostCeiling: cfg.CostCeiling,
	})
	telOpts := telemetry.Options{Retention: cfg.MetricsTTL, DailyRetention: cfg.MetricsDailyTTL}
	var insights *analytics.InsightsEngine
	if db != nil {
		telOpts.Archiver = db
		insights = analytics.NewInsightsEngine(db.Pool, rt)
	}
	tel := telemetry.New(st, telOpts)
	defer tel.Flush()

	completer, err := newCompleter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure upstream")
	}
	pipeline := gateway.New(rt, respCache, admit, tel, completer)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		telemetry.NewExporter(tel),
	)
	httpMetrics := middleware.NewMetrics(reg)

	handlers := api.NewHandlers(api.Deps{
		Pipeline:  pipeline,
		Router:    rt,
		Cache:     respCache,
		Admission: admit,
		Telemetry: tel,
		DB:        db,
		Insights:  insights,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Settings: map[string]any{
			"upstream_backend":  completer.Backend(),
			"archive":           db != nil,
			"store":             st.Available(),
			"metrics_ttl":       cfg.MetricsTTL.Seconds(),
			"metrics_daily_ttl": cfg.MetricsDailyTTL.Seconds(),
		},
	})

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.LoggingMiddleware())
	r.Use(httpMetrics.Handler())

	// CORS for dashboard.
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", "X-User-ID", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, "X-Cache", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if cfg.AdminAPIKey == "" {
		log.Warn().Msg("TOLLGATE_ADMIN_API_KEY not set, management API is disabled (fail-secure)")
	}
	handlers.Register(r, cfg.AdminAPIKey)

	// Start HTTP server with graceful shutdown.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("upstream", completer.Backend()).Msg("tollgate is ready")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}
