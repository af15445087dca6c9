package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AryanChopraa/autosurf-server-node/api/handlers"
	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/config"
	"github.com/AryanChopraa/autosurf-server-node/internal/database"
	"github.com/AryanChopraa/autosurf-server-node/internal/metrics"
	"github.com/AryanChopraa/autosurf-server-node/internal/server"
	"github.com/AryanChopraa/autosurf-server-node/internal/telemetry"
	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/llm/providers/anthropic"
	"github.com/AryanChopraa/autosurf-server-node/llm/providers/openai"
	"github.com/AryanChopraa/autosurf-server-node/store"
	"github.com/AryanChopraa/autosurf-server-node/supervisor"
)

// Server wires the Store Adapter, LLM provider registry, browser Driver
// factory, and Session Supervisor into the two HTTP surfaces the process
// exposes: the WebSocket routes on the main port, and a Prometheus /metrics
// endpoint on a separate port (spec §4.7, §10).
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// ctx/cancel bound the lifetime of background goroutines owned by
	// middleware (the rate limiter's visitor-cleanup loop), not by any one
	// http.Server — Shutdown cancels it independently of httpManager.
	ctx    context.Context
	cancel context.CancelFunc

	pool  *database.PoolManager
	store *store.Store
	redis *redis.Client

	otelProviders *telemetry.Providers

	supervisor *supervisor.Supervisor

	httpManager    *server.Manager
	metricsManager *server.Manager
	healthHandler  *handlers.HealthHandler
	metrics        *metrics.Collector

	wg sync.WaitGroup
}

// NewServer assembles a Server from a loaded config and an already-open
// database handle. otelProviders may be the noop Providers telemetry.Init
// returns when telemetry is disabled.
func NewServer(cfg *config.Config, db *gorm.DB, otelProviders *telemetry.Providers, logger *zap.Logger) (*Server, error) {
	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init connection pool: %w", err)
	}

	st := store.New(pool, logger)
	if err := st.AutoMigrate(context.Background()); err != nil {
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, CAPTCHA selector cache will run in-process only", zap.Error(err))
			redisClient = nil
		}
	}

	provider, err := buildLLMProvider(cfg.LLM, cfg.Agent.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("build LLM provider: %w", err)
	}

	driverFactory := func(ctx context.Context) (browser.Driver, error) {
		return browser.NewPlaywrightDriver(browser.Config{
			Engine:            cfg.Browser.Engine,
			Headless:          cfg.Browser.Headless,
			ViewportWidth:     cfg.Browser.ViewportWidth,
			ViewportHeight:    cfg.Browser.ViewportHeight,
			UserAgent:         cfg.Browser.UserAgent,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			ActionTimeout:     cfg.Browser.ActionTimeout,
		}, logger)
	}

	sup := supervisor.New(
		cfg.JWT,
		cfg.Captcha,
		driverFactory,
		provider,
		cfg.Agent.Model,
		st.GetAutomation,
		st.GetRun,
		st.SaveRun,
		redisClient,
		logger,
	)

	healthHandler := handlers.NewHealthHandler(logger)
	healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", pool.Ping))

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:           cfg,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		pool:          pool,
		store:         st,
		redis:         redisClient,
		otelProviders: otelProviders,
		supervisor:    sup,
		healthHandler: healthHandler,
		metrics:       metrics.NewCollector("autosurf", logger),
	}, nil
}

// buildLLMProvider constructs the configured default provider. Only one
// provider is registered per process: the Decision Loop, Replay Engine, and
// CAPTCHA Handler all share cfg.LLM.DefaultProvider's credentials, matching
// SPEC_FULL.md §4.4's "vision calls ... reuse the llm.Provider" requirement.
func buildLLMProvider(cfg config.LLMConfig, modelName string, logger *zap.Logger) (llm.Provider, error) {
	registry := llm.NewProviderRegistry()

	switch cfg.DefaultProvider {
	case "anthropic", "":
		registry.Register("anthropic", anthropic.New(anthropic.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      modelName,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.Timeout,
		}, logger))
		if err := registry.SetDefault("anthropic"); err != nil {
			return nil, err
		}
	case "openai":
		registry.Register("openai", openai.New(openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   modelName,
		}, logger))
		if err := registry.SetDefault("openai"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.DefaultProvider)
	}

	return registry.Default()
}

// Start brings up the WebSocket/health HTTP surface and the metrics surface.
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("autosurf started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// /agent and /automation are the only routes that drive a real browser
	// per connection, so they get their own per-tenant limiter rather than
	// riding the rest of the mux's Chain — a tenant hammering start_agent
	// should not also throttle /health or /version for everyone else.
	sessionRateLimit := TenantRateLimiter(s.ctx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger)
	mux.Handle("/agent", sessionRateLimit(http.HandlerFunc(s.supervisor.HandleAgent)))
	mux.Handle("/automation", sessionRateLimit(http.HandlerFunc(s.supervisor.HandleAutomation)))

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metrics),
		OTelTracing(),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a shutdown signal or server error, then runs
// cleanup.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown tears down every owned resource in reverse-dependency order.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.cancel != nil {
		s.cancel()
	}

	ctx := context.Background()

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis client close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("graceful shutdown completed")
}
