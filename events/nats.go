package events

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
)

// NATSSink publishes JSON events on SubjectPrefix.<event name>.
type NATSSink struct {
	conn *nats.Conn
}

// NewNATSSink creates a sink on an existing connection.
func NewNATSSink(conn *nats.Conn) *NATSSink {
	return &NATSSink{conn: conn}
}

// Publish sends ev and flushes so the server has it before returning.
func (s *NATSSink) Publish(ctx context.Context, ev heartbeat.Event) error {
	if s.conn.IsClosed() {
		return errors.New(errors.ErrCodeUnavailable, "nats connection closed")
	}
	data, err := ev.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	if err := s.conn.Publish(Subject(ev), data); err != nil {
		return errors.Wrap(err, "nats publish")
	}
	if _, ok := ctx.Deadline(); ok {
		if err := s.conn.FlushWithContext(ctx); err != nil {
			return errors.Wrap(err, "nats flush")
		}
	}
	return nil
}
