package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/internal/model"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(8)
	a := bus.Subscribe()
	defer a.Close()
	b := bus.Subscribe()
	defer b.Close()
	assert.Equal(t, 2, bus.Count())

	bus.Publish(DeleteEvent("1:x"))
	bus.Publish(DeleteEvent("2:y"))

	for _, s := range []*Subscription{a, b} {
		assert.Equal(t, "1:x", receive(t, s).CompositeID)
		assert.Equal(t, "2:y", receive(t, s).CompositeID)
	}
}

func TestBus_DropsOldestForSlowSubscriber(t *testing.T) {
	bus := NewBus(3)
	s := bus.Subscribe()
	defer s.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(DeleteEvent(fmt.Sprintf("%d:f", i)))
	}

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, receive(t, s).CompositeID)
	}
	assert.Equal(t, []string{"2:f", "3:f", "4:f"}, got)
}

func TestBus_PublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(DeleteEvent("x:y"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus(1)
	s := bus.Subscribe()
	s.Close()
	s.Close()
	assert.Equal(t, 0, bus.Count())

	_, ok := <-s.Events()
	assert.False(t, ok)

	// 已关闭的订阅不再接收事件，也不会 panic。
	bus.Publish(DeleteEvent("1:a"))
}

func TestBus_ConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus(4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := bus.Subscribe()
			for j := 0; j < 20; j++ {
				bus.Publish(DeleteEvent("1:a"))
			}
			s.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.Count())
}

func TestEvent_JSON(t *testing.T) {
	rec := &model.FileRecord{
		Filename:    "a.txt",
		CompositeID: "5:abc",
		Size:        12,
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local),
	}
	data, err := Marshal(AddEvent(rec))
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "add", m["action"])
	assert.Equal(t, "5:abc", m["file_id"])
	assert.Equal(t, "a.txt", m["filename"])
	assert.EqualValues(t, 12, m["filesize"])
	assert.Equal(t, "2024-01-02 03:04:05", m["upload_date"])

	data, err = Marshal(DeleteEvent("5:abc"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"delete","file_id":"5:abc"}`, string(data))
}
