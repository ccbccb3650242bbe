package streaming

import "github.com/kandev/orchestrator/internal/orchestrator/service"

// ServiceBroadcaster adapts a Hub to service.Broadcaster so the service
// layer can emit lifecycle events without importing this package.
type ServiceBroadcaster struct {
	Hub *Hub
}

// Broadcast converts a service.Event into this package's Event and
// forwards it to the hub.
func (b ServiceBroadcaster) Broadcast(event service.Event) {
	b.Hub.Broadcast(&Event{
		TaskID: event.TaskID,
		Status: event.Status,
		Detail: event.Detail,
	})
}
