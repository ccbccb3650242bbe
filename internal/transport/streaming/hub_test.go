package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/logger"
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

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	hub := NewHub(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, cancel
}

func TestHubRegisterIncreasesClientCount(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	client := NewClient("client-1", nil, hub, testLogger(t))
	hub.Register(client)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastDeliversToSubscriber(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	client := NewClient("client-1", nil, hub, testLogger(t))
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	client.Subscribe("task-1")
	hub.Broadcast(&Event{TaskID: "task-1", Status: "Working"})

	select {
	case data := <-client.send:
		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		assert.Equal(t, "task-1", event.TaskID)
		assert.Equal(t, "Working", event.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

func TestHubBroadcastIgnoresUnsubscribedTask(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	client := NewClient("client-1", nil, hub, testLogger(t))
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(&Event{TaskID: "other-task", Status: "Working"})

	select {
	case <-client.send:
		t.Fatal("received event for a task this client never subscribed to")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	client := NewClient("client-1", nil, hub, testLogger(t))
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	client.Subscribe("task-1")
	client.Unsubscribe("task-1")
	hub.Broadcast(&Event{TaskID: "task-1", Status: "Working"})

	select {
	case <-client.send:
		t.Fatal("received event after unsubscribing")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubUnregisterRemovesClient(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	client := NewClient("client-1", nil, hub, testLogger(t))
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
