// Package eventbus publishes task lifecycle events to NATS subjects for
// external subscribers (dashboards, audit trails). It is a best-effort fan-
// out sink, not a coordination mechanism: publish failures are logged and
// swallowed rather than retried against the task state machine.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/service"
)

// Bus publishes lifecycle events to NATS. A nil *Bus (returned when no URL
// is configured) is safe to call Broadcast and Close on; both are no-ops.
type Bus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// Connect dials NATS per cfg. An empty cfg.URL disables the bus entirely:
// Connect then returns (nil, nil) rather than an error, since fan-out is
// optional instrumentation.
func Connect(cfg config.NATSConfig, log *logger.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	log = log.WithFields(zap.String("component", "eventbus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &Bus{conn: conn, logger: log}, nil
}

// payload is the wire shape published on each subject.
type payload struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcast implements service.Broadcaster, publishing event to
// "tasks.<id>.<status>" in lowercase. A nil Bus is a no-op.
func (b *Bus) Broadcast(event service.Event) {
	if b == nil || b.conn == nil {
		return
	}

	subject := fmt.Sprintf("tasks.%s.%s", event.TaskID, lowerStatus(event.Status))
	data, err := json.Marshal(payload{
		TaskID:    event.TaskID,
		Status:    event.Status,
		Detail:    event.Detail,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func lowerStatus(status string) string {
	out := make([]byte, len(status))
	for i := 0; i < len(status); i++ {
		c := status[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Close drains and closes the underlying connection. A nil Bus is a no-op.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining nats connection", zap.Error(err))
		b.conn.Close()
		return
	}
	b.logger.Info("nats connection closed")
}
