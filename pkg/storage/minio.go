package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tgstate-go/internal/config"
	"tgstate-go/pkg/log"
)

const (
	metaFileName = "Filename"
	metaCaption  = "Caption"
	metaReplyTo  = "Reply-To"
)

// MinIOBackend 把一个 bucket 下的前缀当作“频道”，每条消息对应一个对象。
type MinIOBackend struct {
	name     string
	bucket   string
	prefix   string
	capacity int64
	client   *minio.Client
	nextID   atomic.Int64
}

// NewMinIOBackend 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOBackend(ctx context.Context, cfg config.BackendConfig) (*MinIOBackend, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	// 2. 检查存储桶是否存在，如果不存在则创建
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("%w: 检查 MinIO 存储桶失败: %v", ErrUnavailable, err)
	}
	if !exists {
		log.Infof("[MinIOBackend] 存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}

	capacity := cfg.CapacityBytes
	if capacity <= 0 {
		capacity = defaultTelegramCapacity
	}
	prefix := cfg.ChannelName
	if prefix == "" {
		prefix = cfg.Name
	}

	b := &MinIOBackend{
		name:     cfg.Name,
		bucket:   cfg.BucketName,
		prefix:   prefix,
		capacity: capacity,
		client:   client,
	}
	// 消息 ID 以纳秒时间戳为种子单调递增，重启后不会与已有对象冲突。
	b.nextID.Store(time.Now().UnixNano())
	log.Infof("[MinIOBackend] 后端 %s 就绪, bucket=%s, prefix=%s", cfg.Name, cfg.BucketName, prefix)
	return b, nil
}

func (b *MinIOBackend) Name() string    { return b.name }
func (b *MinIOBackend) Channel() string { return b.bucket + "/" + b.prefix }
func (b *MinIOBackend) Capacity() int64 { return b.capacity }
func (b *MinIOBackend) Close() error    { return nil }

func (b *MinIOBackend) objectName(messageID int64) string {
	return b.prefix + "/" + strconv.FormatInt(messageID, 10)
}

func (b *MinIOBackend) Send(ctx context.Context, doc Document) (MessageRef, error) {
	if doc.Size > b.capacity {
		return MessageRef{}, ErrPayloadTooLarge
	}
	id := b.nextID.Add(1)
	object := b.objectName(id)

	meta := map[string]string{
		metaFileName: url.QueryEscape(doc.Name),
		metaCaption:  url.QueryEscape(doc.Caption),
	}
	if doc.ReplyTo != 0 {
		meta[metaReplyTo] = strconv.FormatInt(doc.ReplyTo, 10)
	}

	size := doc.Size
	if size <= 0 {
		size = -1
	}
	_, err := b.client.PutObject(ctx, b.bucket, object, io.LimitReader(doc.Body, b.capacity+1), size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: meta,
	})
	if err != nil {
		return MessageRef{}, b.wrapErr("PutObject", err)
	}
	return MessageRef{MessageID: id, FileID: object}, nil
}

// EditCaption 通过服务端拷贝替换对象的元数据。
func (b *MinIOBackend) EditCaption(ctx context.Context, messageID int64, caption string) error {
	object := b.objectName(messageID)
	info, err := b.client.StatObject(ctx, b.bucket, object, minio.StatObjectOptions{})
	if err != nil {
		return b.wrapErr("StatObject", err)
	}
	meta := map[string]string{
		metaFileName: info.UserMetadata[metaFileName],
		metaCaption:  url.QueryEscape(caption),
	}
	if reply := info.UserMetadata[metaReplyTo]; reply != "" {
		meta[metaReplyTo] = reply
	}
	_, err = b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: object, ReplaceMetadata: true, UserMetadata: meta},
		minio.CopySrcOptions{Bucket: b.bucket, Object: object},
	)
	if err != nil {
		return b.wrapErr("CopyObject", err)
	}
	return nil
}

func (b *MinIOBackend) Open(ctx context.Context, ref MessageRef) (io.ReadCloser, error) {
	object := ref.FileID
	if object == "" {
		object = b.objectName(ref.MessageID)
	}
	obj, err := b.client.GetObject(ctx, b.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.wrapErr("GetObject", err)
	}
	// GetObject 是惰性的，Stat 才会真正发起请求并暴露 NoSuchKey。
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, b.wrapErr("GetObject", err)
	}
	return obj, nil
}

func (b *MinIOBackend) Delete(ctx context.Context, ref MessageRef) error {
	object := b.objectName(ref.MessageID)
	// RemoveObject 对不存在的对象也返回成功，需要先 Stat 才能报告 not found。
	if _, err := b.client.StatObject(ctx, b.bucket, object, minio.StatObjectOptions{}); err != nil {
		return b.wrapErr("StatObject", err)
	}
	if err := b.client.RemoveObject(ctx, b.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return b.wrapErr("RemoveObject", err)
	}
	return nil
}

func (b *MinIOBackend) wrapErr(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%w: minio %s on %s: %s", ErrMessageNotFound, op, b.name, resp.Message)
	case "EntityTooLarge":
		return fmt.Errorf("%w: minio %s on %s", ErrPayloadTooLarge, op, b.name)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "SlowDown", "ServiceUnavailable", "InternalError", "":
		return fmt.Errorf("%w: minio %s on %s: %v", ErrUnavailable, op, b.name, err)
	default:
		return fmt.Errorf("minio %s on %s: %w", op, b.name, err)
	}
}
