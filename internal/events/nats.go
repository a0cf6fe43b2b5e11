package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "orchestrd.runs"

// NATSPublisher forwards events to NATS subjects of the form
// <prefix>.<run_id>.<kind> so webhook dispatchers can subscribe per run
// or with wildcards.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials url with reconnect settings suited to a long-running
// service.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("orchestrd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSPublisher creates a publisher on an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: nc, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.RunID, e.Kind)
}

// Attach subscribes the publisher to every event kind on bus.
func (p *NATSPublisher) Attach(bus *Bus) func() {
	return bus.Subscribe(Any, p.Handle)
}

// Handle publishes e as JSON. Delivery is fire-and-forget; the NATS
// client buffers while reconnecting.
func (p *NATSPublisher) Handle(_ context.Context, e Event) error {
	if p.conn == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Kind, err)
	}
	return nil
}
