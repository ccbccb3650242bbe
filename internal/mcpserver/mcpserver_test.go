package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/executor"
	"github.com/kandev/orchestrator/internal/orchestrator/service"
	"github.com/kandev/orchestrator/internal/task/repository"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func testService(t *testing.T) *service.Service {
	log := testLogger(t)
	registry := executor.NewRegistry(log, 5, nil)
	return service.New(repository.NewMemoryRepository(), registry, nil, log)
}

func TestServerStartBindsEphemeralPortAndStop(t *testing.T) {
	srv := New(Config{Port: 0}, testService(t), testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx))

	assert.NotZero(t, srv.Port())

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()), time.Second)
	require.NoError(t, err)
	conn.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	assert.NoError(t, srv.Stop(stopCtx))
}

func TestServerSSEEndpointReachable(t *testing.T) {
	srv := New(Config{Port: 0}, testService(t), testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		srv.Stop(stopCtx)
	}()

	client := http.Client{Timeout: time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/sse", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()

	// The SSE endpoint exists and responds; it does not need to be a
	// long-lived event stream for this test, just reachable.
	assert.NotEqual(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerStopWithoutStartIsSafe(t *testing.T) {
	srv := New(Config{Port: 0}, testService(t), testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}

func TestProvideStartsAndCleanupStops(t *testing.T) {
	srv, cleanup, err := Provide(context.Background(), Config{Port: 0}, testService(t), testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.NotZero(t, srv.Port())

	assert.NoError(t, cleanup())
	// cleanup is idempotent via sync.Once.
	assert.NoError(t, cleanup())
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, 9090, DefaultConfig().Port)
}
