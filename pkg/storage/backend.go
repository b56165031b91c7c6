// Package storage 定义了消息通道式的存储后端，并提供 Telegram、MinIO 与内存三种实现。
//
// 每个后端都是“一组凭据 + 一个目标频道”，单条消息有大小上限（Capacity）。
// 上层的分片与重建逻辑只依赖 Backend 接口。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMessageNotFound 表示远端消息已不存在。删除时视为成功。
	ErrMessageNotFound = errors.New("message not found")
	// ErrUnavailable 表示与后端通信失败（网络、鉴权、限流），调用方可重试。
	ErrUnavailable = errors.New("backend unavailable")
	// ErrPayloadTooLarge 表示单条消息超过了后端容量。
	ErrPayloadTooLarge = errors.New("payload exceeds backend capacity")
)

// MessageRef 定位一条远端消息。MessageID 用于删除与编辑，FileID 用于读取内容。
type MessageRef struct {
	MessageID int64
	FileID    string
}

// String 返回 "<message_id>:<file_id>" 形式的复合标识。
func (r MessageRef) String() string {
	return strconv.FormatInt(r.MessageID, 10) + ":" + r.FileID
}

// ParseMessageRef 解析 "<message_id>:<file_id>"。
func ParseMessageRef(s string) (MessageRef, error) {
	idPart, fileID, ok := strings.Cut(s, ":")
	if !ok || fileID == "" {
		return MessageRef{}, fmt.Errorf("invalid message reference %q", s)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return MessageRef{}, fmt.Errorf("invalid message id in %q: %w", s, err)
	}
	return MessageRef{MessageID: id, FileID: fileID}, nil
}

// Document 是一条待发送的文件消息。
type Document struct {
	Name    string
	Caption string
	Body    io.Reader
	Size    int64
	// ReplyTo 非零时，新消息作为该消息的回复发送（仅 Telegram 使用）。
	ReplyTo int64
}

// Backend 是单个存储后端的接口。
type Backend interface {
	// Name 返回后端在配置中的名字，会被记录在 manifest 中。
	Name() string
	// Channel 返回目标频道标识。
	Channel() string
	// Capacity 返回单条消息允许的最大字节数。
	Capacity() int64
	// Send 发送一条文件消息并返回其引用。
	Send(ctx context.Context, doc Document) (MessageRef, error)
	// EditCaption 修改已发送消息的说明文字。
	EditCaption(ctx context.Context, messageID int64, caption string) error
	// Open 读取消息中的文件内容。消息不存在时返回 ErrMessageNotFound。
	Open(ctx context.Context, ref MessageRef) (io.ReadCloser, error)
	// Delete 删除消息。消息不存在时返回 ErrMessageNotFound。
	Delete(ctx context.Context, ref MessageRef) error
	// Close 释放后端持有的资源。
	Close() error
}

// UpdateKind 区分频道中发生的变化。
type UpdateKind int

const (
	// UpdatePosted 表示频道中出现了一条新的文件消息。
	UpdatePosted UpdateKind = iota + 1
	// UpdateRemoved 表示一条消息被删除（或被编辑为空）。
	UpdateRemoved
	// UpdateLinkRequest 表示有人回复文件消息 "get"，请求它的下载链接。
	UpdateLinkRequest
)

// Update 是后端推送的一次频道变化。
type Update struct {
	Kind     UpdateKind
	Backend  string
	Ref      MessageRef
	FileName string
	Size     int64
	FromBot  bool
	Date     time.Time
	// ReplyTo 与 ReplyFileName 只在 UpdateLinkRequest 中出现，指向被回复的文件消息。
	ReplyTo       MessageRef
	ReplyFileName string
}

// Replier 由能在频道中回复文字消息的后端实现。
type Replier interface {
	// Reply 在频道中发送一条回复 messageID 的文字消息。
	Reply(ctx context.Context, messageID int64, text string) error
}

// UpdateSource 由能够推送频道变化的后端实现。
type UpdateSource interface {
	// Updates 持续拉取频道变化，直到 ctx 结束后关闭返回的 channel。
	Updates(ctx context.Context) <-chan Update
}
