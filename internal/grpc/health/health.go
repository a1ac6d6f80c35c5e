package health

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"apkscore-lab/pkg/logger"
)

// ServiceName is the gRPC health service name reported for the scorer
const ServiceName = "apkscore.v1.Scorer"

// Pinger is any dependency that can report its own reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping implements Pinger
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker tracks backing-store health and mirrors it into a gRPC health server
type Checker struct {
	server   *grpchealth.Server
	checks   map[string]Pinger
	interval time.Duration
	logger   *logger.Logger

	mu     sync.RWMutex
	status map[string]error
}

// NewChecker creates a checker over the named dependencies. Nil entries are
// ignored so optional stores can be passed unconditionally.
func NewChecker(checks map[string]Pinger, interval time.Duration, log *logger.Logger) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	filtered := make(map[string]Pinger, len(checks))
	for name, p := range checks {
		if p != nil {
			filtered[name] = p
		}
	}
	c := &Checker{
		server:   grpchealth.NewServer(),
		checks:   filtered,
		interval: interval,
		logger:   log.WithComponent("health"),
		status:   make(map[string]error),
	}
	c.setServing(true)
	return c
}

// Register attaches the health service to a gRPC server
func (c *Checker) Register(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, c.server)
}

// Server exposes the underlying health server
func (c *Checker) Server() *grpchealth.Server {
	return c.server
}

// CheckOnce pings every dependency and updates the serving status
func (c *Checker) CheckOnce(ctx context.Context) bool {
	status := make(map[string]error, len(c.checks))
	healthy := true
	for name, p := range c.checks {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.Ping(pingCtx)
		cancel()
		status[name] = err
		if err != nil {
			healthy = false
			c.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
		}
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.setServing(healthy)
	return healthy
}

// Status returns the last error per dependency; nil means healthy
func (c *Checker) Status() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]error, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}

// Run checks on every tick until ctx is done, then marks the service as not serving
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			c.server.Shutdown()
			return
		case <-ticker.C:
			c.CheckOnce(ctx)
		}
	}
}

func (c *Checker) setServing(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !ok {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	c.server.SetServingStatus("", st)
	c.server.SetServingStatus(ServiceName, st)
}
