package service

import (
	"context"
	"errors"
	"fmt"

	"tgstate-go/internal/events"
	"tgstate-go/internal/manifest"
	"tgstate-go/internal/model"
	"tgstate-go/internal/registry"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/metrics"
	"tgstate-go/pkg/storage"
)

// DeleteResult 描述一次删除的结果。
type DeleteResult struct {
	CompositeID   string         `json:"file_id"`
	Strategy      model.Strategy `json:"strategy,omitempty"`
	Deleted       int            `json:"deleted"`
	AlreadyGone   int            `json:"already_gone"`
	FailedChunks  []int          `json:"failed_chunks,omitempty"`
	RecordRemoved bool           `json:"record_removed"`
}

// DeleteService 接口定义了文件删除相关的业务操作。
type DeleteService interface {
	// Delete 删除文件的所有远端消息及其记录。重复删除同一个文件也会成功。
	Delete(ctx context.Context, compositeID string) (*DeleteResult, error)
}

type deleteService struct {
	registry  *registry.Registry
	files     repository.FileRepository
	manifests *manifestLoader
	bus       events.Publisher
}

// NewDeleteService 创建一个新的 DeleteService 实例。
func NewDeleteService(reg *registry.Registry, files repository.FileRepository, cache repository.ManifestCache, bus events.Publisher) DeleteService {
	return &deleteService{
		registry:  reg,
		files:     files,
		manifests: newManifestLoader(reg, cache),
		bus:       bus,
	}
}

func (s *deleteService) Delete(ctx context.Context, compositeID string) (*DeleteResult, error) {
	unlock := s.files.Lock(compositeID)
	defer unlock()

	result, err := s.delete(ctx, compositeID)
	metrics.RecordDelete(err == nil)
	return result, err
}

func (s *deleteService) delete(ctx context.Context, compositeID string) (*DeleteResult, error) {
	anchor, err := storage.ParseMessageRef(compositeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	result := &DeleteResult{CompositeID: compositeID}

	record, err := s.files.Get(ctx, compositeID)
	if err != nil && !errors.Is(err, repository.ErrFileNotFound) {
		return nil, err
	}

	// 1. 确定存储策略与分片列表
	m, anchorGone, err := s.resolve(ctx, compositeID, anchor, record)
	if err != nil {
		log.Errorf("[Delete] 无法读取清单，放弃删除以免遗留分片, file_id: %s, error: %v", compositeID, err)
		return nil, err
	}
	switch {
	case m != nil:
		result.Strategy = m.Strategy
	case record != nil:
		result.Strategy = record.Strategy
	}

	// 2. 删除所有分片
	var errs []error
	if m != nil {
		for _, c := range m.Chunks {
			backend, ok := s.registry.Lookup(c.Backend)
			if !ok {
				result.FailedChunks = append(result.FailedChunks, c.Index)
				errs = append(errs, &ChunkError{Op: "delete", Index: c.Index, Backend: c.Backend, Err: errors.New("backend is not configured")})
				continue
			}
			s.deleteMessage(ctx, backend, c.Ref(), result, func(err error) {
				result.FailedChunks = append(result.FailedChunks, c.Index)
				errs = append(errs, &ChunkError{Op: "delete", Index: c.Index, Backend: backend.Name(), Err: err})
			})
		}
	}

	// 3. 删除锚点消息（清单或单消息文件）
	var anchorErr error
	if anchorGone {
		result.AlreadyGone++
	} else {
		s.deleteMessage(ctx, s.registry.Default(), anchor, result, func(err error) { anchorErr = err })
	}
	if anchorErr != nil {
		log.Errorf("[Delete] 删除锚点消息失败，保留文件记录, file_id: %s, error: %v", compositeID, anchorErr)
		return result, fmt.Errorf("delete anchor message %s: %w", compositeID, anchorErr)
	}

	// 4. 锚点已删除或已不存在：移除记录并发布事件
	existed, err := s.files.DeleteByCompositeID(ctx, compositeID)
	if err != nil {
		return result, fmt.Errorf("删除文件记录失败: %w", err)
	}
	s.manifests.Forget(ctx, compositeID)
	result.RecordRemoved = existed
	if existed {
		s.bus.Publish(events.DeleteEvent(compositeID))
	}

	log.Infof("[Delete] 删除完成, file_id: %s, 已删除: %d, 已不存在: %d, 失败: %d",
		compositeID, result.Deleted, result.AlreadyGone, len(result.FailedChunks))
	if len(errs) > 0 {
		return result, fmt.Errorf("%w: chunks %v: %w", ErrPartialDelete, result.FailedChunks, errors.Join(errs...))
	}
	return result, nil
}

// resolve 返回分片文件的清单（单消息文件为 nil）。
// 没有记录时通过读取锚点消息判断策略；锚点已不存在时 anchorGone 为 true。
func (s *deleteService) resolve(ctx context.Context, compositeID string, anchor storage.MessageRef, record *model.FileRecord) (*manifest.Manifest, bool, error) {
	if record != nil && !record.Strategy.Chunked() {
		return nil, false, nil
	}

	var (
		m   *manifest.Manifest
		err error
	)
	if record != nil {
		m, err = s.manifests.Load(ctx, compositeID)
	} else {
		var isManifest bool
		m, isManifest, err = readAnchor(ctx, s.registry.Default(), anchor)
		if err == nil && !isManifest {
			return nil, false, nil
		}
	}
	if errors.Is(err, storage.ErrMessageNotFound) {
		// 锚点已不存在，分片位置无从得知。
		log.Warnf("[Delete] 锚点消息已不存在, file_id: %s", compositeID)
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, false, nil
}

func (s *deleteService) deleteMessage(ctx context.Context, backend storage.Backend, ref storage.MessageRef, result *DeleteResult, onErr func(error)) {
	err := backend.Delete(ctx, ref)
	switch {
	case err == nil:
		result.Deleted++
	case errors.Is(err, storage.ErrMessageNotFound):
		result.AlreadyGone++
	default:
		log.Warnf("[Delete] 删除消息失败, backend: %s, message_id: %d, error: %v", backend.Name(), ref.MessageID, err)
		onErr(err)
	}
}
