package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/perimeterlabs/sentinel/internal/behavior"
	"github.com/perimeterlabs/sentinel/internal/ddos"
	"github.com/perimeterlabs/sentinel/internal/engine"
	"github.com/perimeterlabs/sentinel/internal/geo"
	"github.com/perimeterlabs/sentinel/internal/reputation"
	"github.com/perimeterlabs/sentinel/internal/rules"
	"github.com/perimeterlabs/sentinel/internal/server/handler"
	"github.com/perimeterlabs/sentinel/internal/store"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("sentineld exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("sentinel")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 200)
	viper.SetDefault("server.admin_secret", "")
	viper.SetDefault("server.admin_token_hash", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("reputation.capacity", reputation.DefaultCap)
	viper.SetDefault("ml.timeout", "50ms")
	viper.SetDefault("sweep.interval", "60s")

	viper.SetDefault("ddos.max_connections", 10000)
	viper.SetDefault("ddos.max_connections_per_ip", 100)
	viper.SetDefault("ddos.max_requests_per_second", 1000)
	viper.SetDefault("ddos.max_requests_per_ip_per_second", 50)
	viper.SetDefault("ddos.volumetric_threshold", 500)
	viper.SetDefault("ddos.unique_ip_threshold", 400)
	viper.SetDefault("ddos.anomaly_threshold", 0.6)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Configuration store ──────────────────────────────────────────────────
	var st store.Store
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		st = pg
		logger.Info("configuration store: postgres")
	} else {
		st = store.NewMemoryStore()
		logger.Info("configuration store: memory (set database.url for durability)")
	}

	// ── Inspection core ──────────────────────────────────────────────────────
	ddosDefaults := ddos.DefaultConfig()
	ddosDefaults.MaxConnections = viper.GetInt("ddos.max_connections")
	ddosDefaults.MaxConnectionsPerIP = viper.GetInt("ddos.max_connections_per_ip")
	ddosDefaults.MaxRequestsPerSecond = viper.GetInt("ddos.max_requests_per_second")
	ddosDefaults.MaxRequestsPerIPPerSecond = viper.GetInt("ddos.max_requests_per_ip_per_second")
	ddosDefaults.VolumetricThreshold = viper.GetInt("ddos.volumetric_threshold")
	ddosDefaults.UniqueIPThreshold = viper.GetInt("ddos.unique_ip_threshold")
	ddosDefaults.AnomalyThreshold = viper.GetFloat64("ddos.anomaly_threshold")
	if err := ddosDefaults.Validate(); err != nil {
		return fmt.Errorf("ddos defaults: %w", err)
	}

	detector := ddos.NewDetector(ddosDefaults, logger)
	matcher := rules.NewMatcher(logger)
	tracker := behavior.NewTracker(logger)
	repCache := reputation.NewCache(viper.GetInt("reputation.capacity"))
	scorer := behavior.NewScorer(tracker, repCache, logger)

	// Geolocation is a collaborator; without one the geo gate fails
	// open on every lookup.
	gate := geo.NewGate(nil, logger)

	mlTimeout, _ := time.ParseDuration(viper.GetString("ml.timeout"))
	eng := engine.New(gate, detector, matcher, scorer, repCache, logger,
		engine.WithMLTimeout(mlTimeout),
	)

	// Preload global custom rules from the store.
	if global, err := st.Rules(ctx, ""); err == nil && len(global) > 0 {
		skipped := matcher.Load("", global)
		logger.Info("global custom rules loaded",
			zap.Int("count", len(global)-len(skipped)),
			zap.Int("skipped", len(skipped)),
		)
	}

	sweepInterval, _ := time.ParseDuration(viper.GetString("sweep.interval"))
	if sweepInterval <= 0 {
		sweepInterval = ddos.SweepInterval
	}
	detector.StartSweeper(ctx, sweepInterval)
	tracker.StartSweeper(ctx, sweepInterval)

	// ── HTTP router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		limiter := handler.NewAPILimiter(rps, rps*2, logger)
		limiter.StartSweeper(ctx, handler.APILimiterSweepInterval)
		router.Use(limiter.Middleware())
	}
	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	auth := handler.NewAdminAuth(
		viper.GetString("server.admin_secret"),
		viper.GetString("server.admin_token_hash"),
	)

	v1 := router.Group("/v1")
	handler.NewAnalyzeHandler(eng, detector, st, logger).Register(v1)
	handler.NewAdminHandler(detector, matcher, st, logger).Register(v1, auth.Middleware())

	// ── Serve ────────────────────────────────────────────────────────────────
	addr := fmt.Sprintf(":%d", viper.GetInt("server.port"))
	srv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sentineld listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
