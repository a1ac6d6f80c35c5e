package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"

	"apkscore-lab/pkg/logger"
)

func servingStatus(t *testing.T, c *Checker) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Server().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	return resp.Status
}

func TestChecker_CheckOnce(t *testing.T) {
	var redisErr error
	c := NewChecker(map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return redisErr }),
		"neo4j":    nil,
	}, time.Second, logger.NewNop())

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, servingStatus(t, c))

	redisErr = errors.New("connection refused")
	assert.False(t, c.CheckOnce(context.Background()))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, servingStatus(t, c))

	st := c.Status()
	assert.Len(t, st, 2)
	assert.NoError(t, st["postgres"])
	assert.EqualError(t, st["redis"], "connection refused")

	redisErr = nil
	assert.True(t, c.CheckOnce(context.Background()))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, servingStatus(t, c))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(nil, 10*time.Millisecond, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, servingStatus(t, c))
}
