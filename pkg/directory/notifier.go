package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/transport"
)

// Publisher emits directory update events on mesh.directory.updates. It is
// the registry's Notifier in production; subscribers use the events to keep
// local views warm without polling.
type Publisher struct {
	conn transport.Conn
}

// NewPublisher wraps a transport connection.
func NewPublisher(conn transport.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish sends one update event. Delivery is at-most-once; the caller
// decides whether a failure matters.
func (p *Publisher) Publish(_ context.Context, eventType string, data map[string]any) error {
	payload, err := json.Marshal(schema.DirectoryUpdate{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode directory update: %w", err)
	}
	return p.conn.Publish(schema.SubjectDirectoryUpdates, payload)
}
