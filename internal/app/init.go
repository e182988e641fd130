package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/agent-gateway/internal/logsink"
	"github.com/nulpointcorp/agent-gateway/internal/metrics"
	"github.com/nulpointcorp/agent-gateway/internal/pool"
	"github.com/nulpointcorp/agent-gateway/internal/proxy"
	"github.com/nulpointcorp/agent-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required for the Redis log sink and the rate limiter.
func (a *App) initInfra(ctx context.Context) error {
	needsRedis := a.cfg.LogSink.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if !needsRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initServices creates the client-log sink and Prometheus metrics registry.
func (a *App) initServices(_ context.Context) error {
	switch a.cfg.LogSink.Mode {
	case "memory":
		a.sink = logsink.NewMemorySink(a.cfg.LogSink.Capacity)
		a.log.Info("log sink: memory (in-process)")

	case "redis":
		a.sink = logsink.NewRedisSinkFromClient(a.rdb, a.cfg.LogSink.Capacity)
		a.log.Info("log sink: redis")

	case "none":
		a.log.Info("log sink: disabled")

	default:
		return fmt.Errorf("unknown log sink mode: %s", a.cfg.LogSink.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initPool creates the client-session hub.
func (a *App) initPool(_ context.Context) error {
	a.hub = pool.NewHub(pool.HubOptions{
		Logger:            a.log,
		Metrics:           a.prom,
		Sink:              a.sink,
		HeartbeatInterval: a.cfg.Pool.HeartbeatInterval,
		ConnectionTimeout: a.cfg.Pool.ConnectionTimeout,
	})
	return nil
}

// initGateway wires together the HTTP front with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:         a.log,
		RequestTimeout: a.cfg.Pool.RequestTimeout,
		Metrics:        a.prom,
		CORSOrigins:    a.cfg.CORSOrigins,
	}

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.RPMLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.gw = proxy.NewGateway(a.hub, opts)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
