// Package events 提供进程内的有界发布/订阅，用于实时推送文件的新增与删除。
package events

import (
	"encoding/json"
	"sync"

	"tgstate-go/internal/model"
	"tgstate-go/pkg/metrics"
)

// Kind 是事件类型。
type Kind string

const (
	KindAdd    Kind = "add"
	KindDelete Kind = "delete"
)

// DefaultBufferSize 是每个订阅者的默认缓冲区大小。
const DefaultBufferSize = 64

// Event 是一次文件变化通知，不持久化。
type Event struct {
	Kind        Kind             `json:"action"`
	CompositeID string           `json:"file_id"`
	Filename    string           `json:"filename,omitempty"`
	Size        int64            `json:"filesize,omitempty"`
	UploadDate  *model.LocalTime `json:"upload_date,omitempty"`
}

// AddEvent 根据文件记录构造 add 事件。
func AddEvent(rec *model.FileRecord) Event {
	date := model.LocalTime(rec.CreatedAt)
	return Event{
		Kind:        KindAdd,
		CompositeID: rec.CompositeID,
		Filename:    rec.Filename,
		Size:        rec.Size,
		UploadDate:  &date,
	}
}

// DeleteEvent 构造 delete 事件。
func DeleteEvent(compositeID string) Event {
	return Event{Kind: KindDelete, CompositeID: compositeID}
}

// Marshal 把事件序列化为 JSON。
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Publisher 是事件的发布端。
type Publisher interface {
	Publish(e Event)
}

// Bus 把事件广播给所有订阅者。Publish 永不阻塞：订阅者缓冲区满时丢弃其最旧的事件。
type Bus struct {
	mu          sync.Mutex
	bufferSize  int
	subscribers map[*Subscription]struct{}
}

// NewBus 创建事件总线。bufferSize <= 0 时使用 DefaultBufferSize。
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize:  bufferSize,
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscription 是一个订阅者。调用方结束时必须调用 Close。
type Subscription struct {
	bus  *Bus
	ch   chan Event
	once sync.Once
}

// Events 返回事件 channel，Close 后该 channel 被关闭。
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close 取消订阅，可重复调用。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		close(s.ch)
		n := len(s.bus.subscribers)
		s.bus.mu.Unlock()
		metrics.SetEventSubscribers(n)
	})
}

// Subscribe 注册一个新的订阅者，只会收到订阅之后发布的事件。
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{bus: b, ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return s
}

// Publish 按 FIFO 顺序把事件投递给每个订阅者。
// 发布者之间互斥，保证所有订阅者看到相同的顺序。
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		select {
		case s.ch <- e:
			continue
		default:
		}
		// 缓冲区已满：丢弃最旧的一条再投递。
		select {
		case <-s.ch:
			metrics.RecordEventDropped()
		default:
		}
		select {
		case s.ch <- e:
		default:
			metrics.RecordEventDropped()
		}
	}
	metrics.RecordEvent(string(e.Kind))
}

// Count 返回当前订阅者数量。
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
