// Package server assembles the gateway: the HTTP listener, the built-in
// controllers (auth, health, metrics, admin), the dispatch pipeline, and the
// periodic sweepers, all supervised under one cancellation root.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaygate/relaygate/internal/admin"
	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/balance"
	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/forward"
	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/health"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/rbac"
	"github.com/relaygate/relaygate/internal/registry"
	"golang.org/x/sync/errgroup"
)

// sweepInterval is the cadence of the rate-limit and cache expiry sweepers.
const sweepInterval = time.Minute

// Server is the assembled gateway.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	version  string
	httpSrv  *http.Server
	healthz  *observability.HealthChecker
	metrics  *observability.Metrics
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	breakers *breaker.Registry
	monitor  *health.Monitor

	tracingShutdown func(context.Context) error
}

// New creates a gateway server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	healthz := observability.NewHealthChecker()

	secret := cfg.JWT.Secret.Value()
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("JWT_SECRET not set, generated an ephemeral secret; tokens will not survive a restart")
	}
	verifier := auth.NewVerifier(secret, cfg.JWT.AccessTTL(), cfg.JWT.RefreshTTL())

	users := auth.NewStore(auth.Argon2Params{
		TimeCost:    cfg.Argon2.TimeCost,
		MemoryCost:  cfg.Argon2.MemoryCost,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLen:     16,
		KeyLen:      32,
	})
	if err := seedAdmin(users, cfg, logger); err != nil {
		return nil, fmt.Errorf("seeding admin user: %w", err)
	}

	routeReg := registry.New(cfg, logger)
	if cfg.RoutesFile != "" {
		rf, err := config.LoadRoutesFile(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		for _, spec := range rf.Routes {
			routeReg.Put(registry.SpecToRoute(spec, cfg))
		}
	}

	limiter := ratelimit.NewLimiter(logger)
	store := cache.New(cfg.Cache.MaxSize, cfg.Cache.MaxBytes, cfg.Cache.DefaultTTL(), cache.WithLogger(logger))
	breakers := breaker.NewRegistry(logger)
	balancer := balance.New()
	forwarder := forward.New(breakers, cfg.GatewayID, cfg.Forward.ConnectionTimeout(), cfg.Forward.MaxIdleConns, logger)
	monitor := health.NewMonitor(routeReg, logger)

	pipeline := gateway.NewPipeline(cfg, verifier, limiter, store, routeReg, balancer, forwarder, metrics, logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		version:  version,
		healthz:  healthz,
		metrics:  metrics,
		registry: routeReg,
		limiter:  limiter,
		cache:    store,
		breakers: breakers,
		monitor:  monitor,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", healthz.HealthHandler())
	mux.Handle("GET /health/live", healthz.LiveHandler())
	mux.Handle("GET /health/ready", healthz.ReadyHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// The auth endpoints are served ahead of the pipeline, so the
	// login/register budgets are enforced here with the shared limiter.
	authMux := http.NewServeMux()
	authHandler := auth.NewHandler(users, verifier, logger)
	authHandler.Register(authMux)
	authRules := append(
		ratelimit.BaseRules(cfg.RateLimit.Max, cfg.RateLimit.Window()),
		ratelimit.EndpointRules()...,
	)
	mux.Handle("/api/v1/auth/", ratelimit.Middleware(limiter, authRules, authMux))

	adminHandler := admin.NewHandler(
		cfg, verifier, routeReg, limiter, store, breakers, balancer, monitor, metrics, logger,
		monitor.Refresh,
	)
	adminHandler.Register(mux)

	mux.Handle("/", pipeline)

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           gateway.Middleware(mux, cfg, metrics, logger),
		ReadTimeout:       config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

// seedAdmin creates the built-in admin account so the admin surface is
// reachable out of the box.
func seedAdmin(users *auth.Store, cfg *config.Config, logger *slog.Logger) error {
	password := cfg.AdminPassword.Value()
	if password == "" {
		password = uuid.NewString()
		logger.Warn("GATEWAY_ADMIN_PASSWORD not set, generated one for this run",
			"username", "admin", "password", password)
	}
	_, err := users.Create("admin", "admin@relaygate.local", password, rbac.RoleAdmin)
	return err
}

// ApplyRoutes replaces declared routes from a (re)loaded routes file and
// nudges the health monitor to reconcile its probe loops.
func (s *Server) ApplyRoutes(rf *config.RoutesFile) {
	for _, spec := range rf.Routes {
		s.registry.Put(registry.SpecToRoute(spec, s.cfg))
	}
	s.monitor.Refresh()
}

// Run starts the HTTP server and the periodic tasks, blocking until the
// context is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("gateway listening",
			"address", s.cfg.Server.Address(), "env", s.cfg.Env, "version", s.version)
		if serveErr := s.httpSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", serveErr)
		}
		return nil
	})

	g.Go(func() error {
		s.monitor.Run(groupCtx)
		return nil
	})
	g.Go(func() error {
		s.limiter.RunSweeper(groupCtx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		s.cache.RunSweeper(groupCtx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		s.breakers.RunSweeper(groupCtx)
		return nil
	})

	s.healthz.SetStarted()
	s.healthz.SetReady()

	g.Go(func() error {
		<-groupCtx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	s.healthz.SetNotReady()
	s.logger.Info("shutdown signal received, draining...")

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
