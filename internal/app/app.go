// Package app assembles the service from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gatekeeper/internal/auth/flow"
	"gatekeeper/internal/auth/keys"
	"gatekeeper/internal/auth/session"
	"gatekeeper/internal/auth/token"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/metrics"
	"gatekeeper/internal/platform/middleware"
	redisclient "gatekeeper/internal/platform/redis"
	httptransport "gatekeeper/internal/transport/http"
)

const sweepInterval = time.Minute

// App is the wired service.
type App struct {
	Handler  http.Handler
	Registry *prometheus.Registry

	redis *redisclient.Client
}

// New builds every component from cfg. Memory stores are swept until ctx is
// done; with REDIS_URL set, sessions and flow states live in Redis instead.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	rc, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	idpClient := &http.Client{Timeout: cfg.IDP.HTTPTimeout}
	cache := keys.NewCache(
		keys.NewHTTPSource(cfg.IDP.Authority, idpClient),
		logger,
		keys.WithTTL(cfg.IDP.KeyCacheTTL),
		keys.WithRefreshInterval(cfg.IDP.KeyRefreshInterval),
		keys.WithFetchTimeout(cfg.IDP.HTTPTimeout),
		keys.WithMetrics(m),
	)
	verifier := token.NewVerifier(cache, cfg.IDP.TenantID, logger,
		token.WithLeeway(cfg.IDP.ClockSkew),
		token.WithMetrics(m),
	)

	var (
		sessions session.Store
		flows    flow.Store
	)
	if rc != nil {
		sessions = session.NewRedisStore(rc.Client, cfg.Session.TTL)
		flows = flow.NewRedisStore(rc.Client)
	} else {
		memSessions := session.NewMemoryStore(cfg.Session.TTL)
		memSessions.StartSweeper(ctx, sweepInterval)
		memFlows := flow.NewMemoryStore()
		memFlows.StartSweeper(ctx, sweepInterval)
		sessions, flows = memSessions, memFlows
	}

	gate, err := middleware.NewGate(middleware.GateConfig{
		Mode:     cfg.AuthMode,
		Audience: cfg.IDP.Audience,
		Issuer:   cfg.IDP.Issuer(),
	}, verifier, sessions, logger)
	if err != nil {
		return nil, err
	}

	deps := httptransport.Dependencies{
		Gate:     gate,
		Pages:    httptransport.NewPageHandler(logger),
		Gatherer: registry,
		Logger:   logger,
	}
	if rc != nil {
		deps.Health = rc
	}
	if cfg.AuthMode == config.AuthModeSession {
		manager := flow.NewManager(cfg.IDP, cfg.Session.FlowTTL, flows, logger,
			flow.WithIDTokenVerifier(verifier),
			flow.WithHTTPClient(idpClient),
			flow.WithMetrics(m),
		)
		deps.Auth = httptransport.NewAuthHandler(manager, sessions, httptransport.CookieConfig{
			Secure:     cfg.Session.CookieSecure,
			SessionTTL: cfg.Session.TTL,
			FlowTTL:    cfg.Session.FlowTTL,
		}, logger, m)
	}

	logger.InfoContext(ctx, "auth subsystem ready",
		"mode", string(cfg.AuthMode),
		"tenant", cfg.IDP.TenantID,
		"shared_store", rc != nil,
	)
	return &App{Handler: httptransport.NewRouter(deps), Registry: registry, redis: rc}, nil
}

// Close releases the Redis connection pool, if any.
func (a *App) Close() error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}
