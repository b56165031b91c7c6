package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/internal/config"
	"tgstate-go/internal/events"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	failN  int
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return errors.New("broker down")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.closed
}

func TestNewForwarder_Disabled(t *testing.T) {
	assert.Nil(t, NewForwarder(config.KafkaConfig{}))
	f := NewForwarder(config.KafkaConfig{Brokers: "a:9092, b:9092", Topic: "t"})
	require.NotNil(t, f)
	assert.Equal(t, "t", f.topic)
}

func TestForwarder_Run(t *testing.T) {
	bus := events.NewBus(8)
	w := &fakeWriter{failN: 1}
	f := &Forwarder{writer: w, topic: "t"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, bus)
		close(done)
	}()
	require.Eventually(t, func() bool { return bus.Count() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.DeleteEvent("1:lost"))
	bus.Publish(events.DeleteEvent("2:abc"))

	require.Eventually(t, func() bool {
		msgs, _ := w.snapshot()
		return len(msgs) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	msgs, closed := w.snapshot()
	assert.True(t, closed)
	assert.Equal(t, "2:abc", string(msgs[0].Key))
	assert.Equal(t, "delete", string(msgs[0].Headers[0].Value))

	var got events.Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, events.KindDelete, got.Kind)
	assert.Equal(t, 0, bus.Count())
}
