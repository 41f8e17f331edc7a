package events

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/internal/testnet"
	"github.com/vinayprograms/kvbeat/logging"
)

func testEvent() heartbeat.Event {
	return heartbeat.Event{
		Name:      heartbeat.EventHeartbeatTimeout,
		MonitorID: "mon-42",
		Round:     3,
		At:        time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC),
		Err:       errors.HeartbeatTimeout(time.Second),
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "kvbeat.events.heartbeat-timeout", Subject(testEvent()))
}

func TestNATSSink_Publish(t *testing.T) {
	ns := testnet.StartNATS(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync(SubjectPrefix + ".>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sink := NewNATSSink(nc)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Publish(ctx, testEvent()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "kvbeat.events.heartbeat-timeout", msg.Subject)

	ev, err := heartbeat.UnmarshalEvent(msg.Data)
	require.NoError(t, err)
	require.Equal(t, "mon-42", ev.MonitorID)
	require.EqualValues(t, 3, ev.Round)
	require.Equal(t, errors.ErrCodeHeartbeatTimeout, ev.Err.Code())
}

func TestNATSSink_Closed(t *testing.T) {
	ns := testnet.StartNATS(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	nc.Close()

	err = NewNATSSink(nc).Publish(context.Background(), testEvent())
	require.True(t, errors.Is(err, errors.ErrCodeUnavailable))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(nil, w, "kvbeat-events")

	require.NoError(t, sink.Publish(context.Background(), testEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	require.Equal(t, "mon-42", string(msg.Key))
	require.Equal(t, []kafka.Header{{Key: "event", Value: []byte("heartbeat-timeout")}}, msg.Headers)

	ev, err := heartbeat.UnmarshalEvent(msg.Value)
	require.NoError(t, err)
	require.Equal(t, heartbeat.EventHeartbeatTimeout, ev.Name)

	require.NoError(t, sink.Close())
	require.True(t, w.closed)
}

func TestKafkaSink_PublishError(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	w := &fakeWriter{err: fmt.Errorf("broker down")}
	sink := newKafkaSink(logger, w, "kvbeat-events")

	err := sink.Publish(context.Background(), testEvent())
	require.Error(t, err)
	require.Contains(t, err.Error(), "broker down")
	require.Contains(t, buf.String(), "[kafka] publish_failed")
	require.Contains(t, buf.String(), "topic=kvbeat-events")
}

func TestNewKafkaSink(t *testing.T) {
	sink := NewKafkaSink(logging.Discard(), []string{"localhost:9092"}, "kvbeat-events")
	w, ok := sink.writer.(*kafka.Writer)
	require.True(t, ok)
	require.Equal(t, "kvbeat-events", w.Topic)
	require.NoError(t, sink.Close())
}

func TestFanout(t *testing.T) {
	var calls atomic.Int64
	ok := Func(func(context.Context, heartbeat.Event) error {
		calls.Add(1)
		return nil
	})
	bad := Func(func(context.Context, heartbeat.Event) error {
		calls.Add(1)
		return fmt.Errorf("sink unavailable")
	})

	require.NoError(t, Fanout{ok, ok}.Publish(context.Background(), testEvent()))
	require.EqualValues(t, 2, calls.Load())

	err := Fanout{ok, bad, bad}.Publish(context.Background(), testEvent())
	require.Error(t, err)
	require.Equal(t, 2, strings.Count(err.Error(), "sink unavailable"))
	require.EqualValues(t, 5, calls.Load())

	require.NoError(t, Fanout{}.Publish(context.Background(), testEvent()))
}

func TestForward(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	var got []heartbeat.Event
	var deadline bool
	sink := Func(func(ctx context.Context, ev heartbeat.Event) error {
		_, deadline = ctx.Deadline()
		got = append(got, ev)
		if len(got) > 1 {
			return fmt.Errorf("second publish fails")
		}
		return nil
	})

	fn := Forward(sink, time.Second, logger)
	fn(testEvent())
	require.Len(t, got, 1)
	require.True(t, deadline)
	require.Empty(t, buf.String())

	fn(testEvent())
	require.Contains(t, buf.String(), "[events] publish_failed")
	require.Contains(t, buf.String(), "monitor=mon-42")
}
