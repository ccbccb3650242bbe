package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/service"
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

func TestConnectWithEmptyURLIsDisabled(t *testing.T) {
	bus, err := Connect(config.NATSConfig{}, testLogger(t))
	require.NoError(t, err)
	assert.Nil(t, bus)
}

func TestNilBusBroadcastIsNoOp(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Broadcast(service.Event{TaskID: "task-1", Status: "Working"})
	})
}

func TestNilBusCloseIsNoOp(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Close()
	})
}

func TestLowerStatus(t *testing.T) {
	cases := map[string]string{
		"Working":   "working",
		"COMPLETED": "completed",
		"failed":    "failed",
		"":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, lowerStatus(in))
	}
}
