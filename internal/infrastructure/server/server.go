package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/SPLookout/internal/endpoint"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/config"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/logging"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/SPLookout/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/SPLookout/internal/middleware"
	"github.com/GriffinCanCode/SPLookout/internal/proxy"
	"github.com/GriffinCanCode/SPLookout/internal/sandbox"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	endpoint *endpoint.Endpoint
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	upgrader websocket.Upgrader

	// base is cancelled on shutdown so proxy connections end with it.
	base   context.Context
	cancel context.CancelFunc
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	logger.Info("Initializing host proxy endpoint",
		zap.String("port", cfg.Server.Port),
		zap.String("proxy_route", cfg.Server.ProxyRoute),
		zap.Strings("trusted_origins", cfg.Endpoint.TrustedOrigins),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)
	tracer := tracing.New("hostproxy", logger.Component("tracing"))

	epCfg := endpointConfig(cfg, logger, metrics)
	epCfg.Tracer = tracer
	ep, err := endpoint.New(epCfg)
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(tracing.HTTPMiddleware(tracer))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limits := middleware.DefaultRateLimitConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(limits))
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:   router,
		endpoint: ep,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		tracer:   tracer,
		base:     base,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Origins are checked by the Ping handshake so that an untrusted
			// caller gets an invalidorigin reply instead of a refused upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	// The proxy route stays outside CORS: browsers do not apply CORS to
	// websocket upgrades and the handshake does its own origin check.
	router.GET(cfg.Server.ProxyRoute, s.serveProxy)

	api := router.Group("/")
	api.Use(middleware.CORS(middleware.DefaultCORSConfig(ep.Origins().Allowed)))
	api.GET("/", s.root)
	api.GET("/health", s.health)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	logger.Info("Server initialized successfully")
	return s, nil
}

func endpointConfig(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics) endpoint.Config {
	sb := sandbox.DefaultConfig()
	sb.Timeout = cfg.Sandbox.Timeout
	sb.Origin = cfg.Sandbox.Origin
	sb.Logger = logger.Component("sandbox")
	sb.Metrics = metrics

	return endpoint.Config{
		URL:            strings.TrimSuffix(cfg.Endpoint.HostURL, "/") + cfg.Server.ProxyRoute,
		TrustedOrigins: cfg.Endpoint.TrustedOrigins,
		Fetch: endpoint.FetchConfig{
			BaseURL: cfg.Endpoint.HostURL,
			Timeout: cfg.Endpoint.FetchTimeout,
			Retries: cfg.Endpoint.FetchRetries,
		},
		Sandbox:     sb,
		Workers:     cfg.Sandbox.Workers,
		EvalTimeout: cfg.Proxy.InvokeTimeout,
		Logger:      logger.Component("endpoint"),
		Metrics:     metrics,
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "hostproxy",
		"proxy_route": s.config.Server.ProxyRoute,
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"uptime":  s.metrics.UptimeDuration().String(),
		"metrics": s.metrics.Snapshot(),
		"sandbox": s.endpoint.Pool().Stats(),
	})
}

func (s *Server) serveProxy(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	origin := c.GetHeader("Origin")
	conn := proxy.Accept(ws, origin, s.config.Proxy.CompressionThreshold)
	ctx := tracing.WithTrace(s.base,
		tracing.GetTraceID(c.Request.Context()),
		tracing.GetSpanID(c.Request.Context()))
	if err := s.endpoint.Serve(ctx, conn); err != nil {
		s.logger.Warn("Proxy connection ended with error", zap.String("origin", origin), zap.Error(err))
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close ends proxy connections and waits for running sandboxes.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")
	s.cancel()
	defer s.tracer.Close()

	if err := s.endpoint.Close(); err != nil {
		s.logger.Error("Failed to close endpoint", zap.Error(err))
		return fmt.Errorf("failed to close endpoint: %w", err)
	}

	_ = s.logger.Sync()
	return nil
}
