package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/config"
	"github.com/aman-churiwal/monetization-gateway/internal/handler"
	"github.com/aman-churiwal/monetization-gateway/internal/logger"
	"github.com/aman-churiwal/monetization-gateway/internal/metrics"
	"github.com/aman-churiwal/monetization-gateway/internal/middleware"
	"github.com/aman-churiwal/monetization-gateway/internal/proxy"
	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/aman-churiwal/monetization-gateway/internal/service"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/aman-churiwal/monetization-gateway/internal/usage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the long-lived components the HTTP surface is assembled from.
// Redis is optional.
type Deps struct {
	Config     *config.Config
	Postgres   *storage.Postgres
	Redis      *storage.RedisClient
	Limiter    middleware.Admitter
	Usage      middleware.Enqueuer
	Recorder   *usage.Recorder
	Reconciler handler.CycleRunner
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.Collector
	Clock      clock.Clock
	Logger     *zap.Logger
}

type Server struct {
	router       *gin.Engine
	config       *config.Config
	redis        *storage.RedisClient
	postgres     *storage.Postgres
	proxies      []*proxy.Proxy
	adminHandler *handler.AdminHandler
	usageHandler *handler.UsageHandler
	gatherer     prometheus.Gatherer
	clock        clock.Clock
	logger       *zap.Logger
	httpServer   *http.Server
	startTime    time.Time
}

func New(d Deps) (*Server, error) {
	if d.Config.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}

	s := &Server{
		router:    gin.New(),
		config:    d.Config,
		redis:     d.Redis,
		postgres:  d.Postgres,
		gatherer:  d.Gatherer,
		clock:     d.Clock,
		logger:    d.Logger,
		startTime: d.Clock.Now(),
	}

	if err := s.initializeProxies(d.Metrics); err != nil {
		return nil, err
	}

	tiers := repository.NewTierRepository(d.Postgres)
	customers := repository.NewCustomerRepository(d.Postgres)
	logs := repository.NewUsageLogRepository(d.Postgres)
	summaries := repository.NewSummaryRepository(d.Postgres)

	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(s.proxies))
	for _, p := range s.proxies {
		breakers[p.Name()] = p.CircuitBreaker()
	}

	s.adminHandler = handler.NewAdminHandler(
		service.NewCustomerService(tiers, customers, d.Clock),
		d.Reconciler,
		breakers,
		d.Logger,
	)
	s.usageHandler = handler.NewUsageHandler(
		logs,
		summaries,
		d.Recorder,
		service.NewAnalyticsService(customers, logs, summaries, d.Clock),
		d.Clock,
		d.Logger,
	)

	s.setupMiddleware(d)
	s.setupRoutes()

	return s, nil
}

func (s *Server) initializeProxies(m *metrics.Collector) error {
	breaker := circuitbreaker.Config{
		MaxFailures:     s.config.Breaker.MaxFailures,
		Timeout:         s.config.Breaker.Timeout,
		HalfOpenSuccess: s.config.Breaker.HalfOpenSuccess,
	}

	for _, svc := range s.config.Services {
		p, err := proxy.New(proxy.Config{
			Name:           svc.ServiceName(),
			Path:           svc.Path,
			Targets:        svc.Targets,
			CircuitBreaker: breaker,
			Timeout:        svc.Timeout,
		}, m, s.logger.Named("proxy"))
		if err != nil {
			return fmt.Errorf("failed to create proxy: %w", err)
		}

		s.proxies = append(s.proxies, p)
		s.logger.Info("Initialized proxy",
			zap.String("service", p.Name()),
			zap.String("path", svc.Path),
			zap.Strings("targets", svc.Targets),
		)
	}

	return nil
}

// Usage tracking wraps admission so it sees the final status of every admitted request.
func (s *Server) setupMiddleware(d Deps) {
	s.router.Use(logger.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(logger.GinMiddleware(s.logger))
	s.router.Use(middleware.UsageTracking(d.Usage, s.clock))
	s.router.Use(middleware.Admission(d.Limiter, s.clock, d.Metrics, s.logger))
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.root)
	s.router.GET("/health", s.healthCheck)
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	admin := s.router.Group("/admin")
	{
		admin.GET("/status", s.adminStatus)

		admin.POST("/tiers", s.adminHandler.CreateTier)
		admin.GET("/tiers", s.adminHandler.ListTiers)
		admin.POST("/customers", s.adminHandler.CreateCustomer)
		admin.GET("/customers/:id", s.adminHandler.GetCustomer)
		admin.POST("/customers/:id/reset-usage", s.adminHandler.ResetUsage)
		admin.POST("/reconcile", s.adminHandler.Reconcile)
		admin.GET("/circuit-breakers", s.adminHandler.CircuitBreakers)
		admin.POST("/circuit-breakers/:service/reset", s.adminHandler.ResetCircuitBreaker)

		admin.GET("/analytics", s.usageHandler.GetAnalytics)

		usageGroup := admin.Group("/usage")
		usageGroup.GET("/logs/:customerId", s.usageHandler.GetLogs)
		usageGroup.GET("/summary/month/:year/:month", s.usageHandler.GetMonthSummaries)
		usageGroup.GET("/summary/:customerId", s.usageHandler.GetCustomerSummaries)
		usageGroup.GET("/statistics/:customerId", s.usageHandler.GetStatistics)
		usageGroup.GET("/dashboard", s.usageHandler.GetDashboard)
	}

	s.setupProxyRoutes()
}

func (s *Server) setupProxyRoutes() {
	for _, p := range s.proxies {
		s.router.Any(p.Path()+"/*proxyPath", p.Handle)
		s.router.Any(p.Path(), p.Handle)

		s.logger.Info("Registered proxy route", zap.String("path", p.Path()))
	}
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "monetization-gateway",
		"version": "1.0.0",
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	dbHealthy := true
	if err := s.postgres.Ping(ctx); err != nil {
		dbHealthy = false
		healthy = false
		s.logger.Warn("Database health check failed", zap.Error(err))
	}
	checks["database"] = dbHealthy

	if s.redis != nil {
		redisHealthy := true
		if err := s.redis.Ping(ctx); err != nil {
			redisHealthy = false
			healthy = false
			s.logger.Warn("Redis health check failed", zap.Error(err))
		}
		checks["redis"] = redisHealthy
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "monetization-gateway",
		"timestamp": s.clock.Now().Unix(),
		"checks":    checks,
	})
}

func (s *Server) adminStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gateway":       "running",
		"services":      len(s.proxies),
		"tracker_store": s.config.RateLimit.TrackerStore,
		"uptime":        s.clock.Now().Sub(s.startTime).Seconds(),
		"timestamp":     s.clock.Now().Unix(),
	})
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	s.logger.Info("Starting monetization gateway",
		zap.String("addr", addr),
		zap.String("environment", s.config.Server.Environment),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
