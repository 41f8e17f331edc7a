// Package events forwards monitor events to external systems.
package events

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/logging"
)

// SubjectPrefix is prepended to the event name to form NATS subjects.
const SubjectPrefix = "kvbeat.events"

// Sink publishes monitor events.
type Sink interface {
	Publish(ctx context.Context, ev heartbeat.Event) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, ev heartbeat.Event) error

// Publish calls f.
func (f Func) Publish(ctx context.Context, ev heartbeat.Event) error {
	return f(ctx, ev)
}

// Subject returns the NATS subject for ev.
func Subject(ev heartbeat.Event) string {
	return SubjectPrefix + "." + ev.Name
}

// Fanout publishes to every sink concurrently.
type Fanout []Sink

// Publish waits for all sinks and joins their errors.
func (f Fanout) Publish(ctx context.Context, ev heartbeat.Event) error {
	errs := make([]error, len(f))

	var g errgroup.Group
	for i, s := range f {
		g.Go(func() error {
			errs[i] = s.Publish(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Forward returns a listener for OnHeartbeatTimeout that publishes each event
// to sink within timeout. Failures are logged, not returned.
func Forward(sink Sink, timeout time.Duration, logger *logging.Logger) func(heartbeat.Event) {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("events")

	return func(ev heartbeat.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := sink.Publish(ctx, ev); err != nil {
			logger.Error("publish_failed", map[string]any{
				"event":   ev.Name,
				"monitor": ev.MonitorID,
				"error":   err.Error(),
			})
		}
	}
}
