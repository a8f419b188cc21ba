package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/nexus/internal/logging"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON to "<subject>.<thread_id>".
type NATSSink struct {
	pub     Publisher
	subject string
	logger  *logging.Logger
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, subject string, logger *logging.Logger) *NATSSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &NATSSink{pub: pub, subject: subject, logger: logger.WithComponent("events")}
}

// ConnectNATS dials url and returns a sink plus a close function that drains the connection.
func ConnectNATS(url, subject string, logger *logging.Logger) (*NATSSink, func(), error) {
	nc, err := nats.Connect(url, nats.Name("nexus"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSSink(nc, subject, logger), func() { nc.Drain() }, nil
}

// Emit publishes the event. Failures are logged, never returned to the loop.
func (s *NATSSink) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("event_encode_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	subject := s.subject
	if e.ThreadID != "" {
		subject += "." + e.ThreadID
	}
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Warn("event_publish_failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}
