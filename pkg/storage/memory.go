package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
)

type memoryMessage struct {
	name    string
	caption string
	replyTo int64
	data    []byte
}

// MemoryBackend 是进程内的后端实现，用于本地开发与测试。
type MemoryBackend struct {
	name     string
	capacity int64

	mu       sync.RWMutex
	nextID   int64
	messages map[int64]*memoryMessage
	replies  []MemoryReply
}

// MemoryReply 是内存后端收到的一条文字回复。
type MemoryReply struct {
	ReplyTo int64
	Text    string
}

// NewMemoryBackend 创建一个内存后端。capacity <= 0 时使用 20MB。
func NewMemoryBackend(name string, capacity int64) *MemoryBackend {
	if capacity <= 0 {
		capacity = defaultTelegramCapacity
	}
	return &MemoryBackend{
		name:     name,
		capacity: capacity,
		nextID:   1,
		messages: make(map[int64]*memoryMessage),
	}
}

func (m *MemoryBackend) Name() string    { return m.name }
func (m *MemoryBackend) Channel() string { return "memory:" + m.name }
func (m *MemoryBackend) Capacity() int64 { return m.capacity }
func (m *MemoryBackend) Close() error    { return nil }

func (m *MemoryBackend) Send(ctx context.Context, doc Document) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	data, err := io.ReadAll(io.LimitReader(doc.Body, m.capacity+1))
	if err != nil {
		return MessageRef{}, fmt.Errorf("read document body: %w", err)
	}
	if int64(len(data)) > m.capacity {
		return MessageRef{}, ErrPayloadTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.messages[id] = &memoryMessage{name: doc.Name, caption: doc.Caption, replyTo: doc.ReplyTo, data: data}
	return MessageRef{MessageID: id, FileID: m.name + "-" + strconv.FormatInt(id, 10)}, nil
}

func (m *MemoryBackend) EditCaption(ctx context.Context, messageID int64, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	msg.caption = caption
	return nil
}

func (m *MemoryBackend) Open(ctx context.Context, ref MessageRef) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[ref.MessageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return io.NopCloser(bytes.NewReader(msg.data)), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, ref MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[ref.MessageID]; !ok {
		return ErrMessageNotFound
	}
	delete(m.messages, ref.MessageID)
	return nil
}

// Len 返回当前保存的消息数量。
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// Caption 返回消息的说明文字。
func (m *MemoryBackend) Caption(messageID int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return "", false
	}
	return msg.caption, true
}

// MessageName 返回消息的文件名。
func (m *MemoryBackend) MessageName(messageID int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return "", false
	}
	return msg.name, true
}

func (m *MemoryBackend) Reply(ctx context.Context, messageID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, MemoryReply{ReplyTo: messageID, Text: text})
	return nil
}

// Replies 返回已发送的文字回复。
func (m *MemoryBackend) Replies() []MemoryReply {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MemoryReply(nil), m.replies...)
}
