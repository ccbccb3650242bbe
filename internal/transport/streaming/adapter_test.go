package streaming

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/orchestrator/service"
)

func TestServiceBroadcasterForwardsToHub(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	client := NewClient("client-1", nil, hub, testLogger(t))
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	client.Subscribe("task-1")

	bc := ServiceBroadcaster{Hub: hub}
	bc.Broadcast(service.Event{TaskID: "task-1", Status: "Completed", Detail: map[string]string{"error_message": ""}})

	select {
	case data := <-client.send:
		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		assert.Equal(t, "task-1", event.TaskID)
		assert.Equal(t, "Completed", event.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
}
