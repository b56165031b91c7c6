package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"tgstate-go/internal/model"
)

// ErrUploadNotFound 表示没有该上传的进度记录。
var ErrUploadNotFound = errors.New("upload progress not found")

const progressTTL = 24 * time.Hour

// ProgressRepository 接口定义了上传进度的持久化操作。
type ProgressRepository interface {
	Start(ctx context.Context, progress *model.UploadProgress) error
	MarkChunkUploaded(ctx context.Context, uploadID string, chunkIndex int) error
	Finish(ctx context.Context, uploadID, compositeID string, uploadErr error) error
	Get(ctx context.Context, uploadID string) (*model.UploadProgress, error)
}

// progressRepository 是 ProgressRepository 的 Redis 实现：
// 分片完成情况保存在 bitmap 中，其余字段保存在 hash 中。
type progressRepository struct {
	redisClient *redis.Client
}

// NewProgressRepository 创建一个新的 ProgressRepository。redisClient 为 nil 时返回空实现。
func NewProgressRepository(redisClient *redis.Client) ProgressRepository {
	if redisClient == nil {
		return noopProgressRepository{}
	}
	return &progressRepository{redisClient: redisClient}
}

func chunksKey(uploadID string) string { return "upload:" + uploadID + ":chunks" }
func metaKey(uploadID string) string   { return "upload:" + uploadID + ":meta" }

func (r *progressRepository) Start(ctx context.Context, p *model.UploadProgress) error {
	pipe := r.redisClient.TxPipeline()
	pipe.Del(ctx, chunksKey(p.UploadID))
	pipe.HSet(ctx, metaKey(p.UploadID), map[string]interface{}{
		"file_name":    p.FileName,
		"total_size":   p.TotalSize,
		"total_chunks": p.TotalChunks,
		"status":       int(model.UploadStatusUploading),
		"file_id":      "",
		"error":        "",
	})
	pipe.Expire(ctx, metaKey(p.UploadID), progressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkChunkUploaded marks a chunk as uploaded in Redis.
func (r *progressRepository) MarkChunkUploaded(ctx context.Context, uploadID string, chunkIndex int) error {
	key := chunksKey(uploadID)
	pipe := r.redisClient.TxPipeline()
	pipe.SetBit(ctx, key, int64(chunkIndex), 1)
	pipe.Expire(ctx, key, progressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *progressRepository) Finish(ctx context.Context, uploadID, compositeID string, uploadErr error) error {
	fields := map[string]interface{}{
		"status":  int(model.UploadStatusCompleted),
		"file_id": compositeID,
	}
	if uploadErr != nil {
		fields["status"] = int(model.UploadStatusFailed)
		fields["error"] = uploadErr.Error()
	}
	return r.redisClient.HSet(ctx, metaKey(uploadID), fields).Err()
}

func (r *progressRepository) Get(ctx context.Context, uploadID string) (*model.UploadProgress, error) {
	meta, err := r.redisClient.HGetAll(ctx, metaKey(uploadID)).Result()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, ErrUploadNotFound
	}

	p := &model.UploadProgress{
		UploadID:     uploadID,
		FileName:     meta["file_name"],
		CompositeID:  meta["file_id"],
		ErrorMessage: meta["error"],
	}
	p.TotalSize, _ = strconv.ParseInt(meta["total_size"], 10, 64)
	p.TotalChunks, _ = strconv.Atoi(meta["total_chunks"])
	status, _ := strconv.Atoi(meta["status"])
	p.Status = model.UploadStatus(status)
	p.StatusText = p.Status.String()

	p.Uploaded, err = r.uploadedChunks(ctx, uploadID, p.TotalChunks)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// uploadedChunks retrieves the list of uploaded chunk indexes from the Redis bitmap.
func (r *progressRepository) uploadedChunks(ctx context.Context, uploadID string, totalChunks int) ([]int, error) {
	uploaded := make([]int, 0)
	if totalChunks == 0 {
		return uploaded, nil
	}
	bitmap, err := r.redisClient.Get(ctx, chunksKey(uploadID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return uploaded, nil
		}
		return nil, err
	}
	for i := 0; i < totalChunks; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if byteIndex < len(bitmap) && (bitmap[byteIndex]>>(7-bitIndex))&1 == 1 {
			uploaded = append(uploaded, i)
		}
	}
	return uploaded, nil
}

// noopProgressRepository 在未配置 Redis 时使用，不记录任何进度。
type noopProgressRepository struct{}

func (noopProgressRepository) Start(context.Context, *model.UploadProgress) error { return nil }
func (noopProgressRepository) MarkChunkUploaded(context.Context, string, int) error {
	return nil
}
func (noopProgressRepository) Finish(context.Context, string, string, error) error { return nil }
func (noopProgressRepository) Get(context.Context, string) (*model.UploadProgress, error) {
	return nil, ErrUploadNotFound
}
