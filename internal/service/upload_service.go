package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tgstate-go/internal/events"
	"tgstate-go/internal/manifest"
	"tgstate-go/internal/model"
	"tgstate-go/internal/registry"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/chunker"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/metrics"
	"tgstate-go/pkg/storage"
)

// cleanupTimeout 限制失败上传后清理已发送分片所用的时间。
const cleanupTimeout = 30 * time.Second

// UploadRequest 是一次上传的输入。Size 必须在上传开始前已知。
type UploadRequest struct {
	UploadID string
	Filename string
	Size     int64
	Body     io.Reader
}

// UploadService 接口定义了文件上传相关的业务操作。
type UploadService interface {
	Upload(ctx context.Context, req UploadRequest) (*model.FileRecord, error)
}

type uploadService struct {
	registry       *registry.Registry
	files          repository.FileRepository
	progress       repository.ProgressRepository
	manifests      repository.ManifestCache
	bus            events.Publisher
	links          Links
	cleanupOrphans bool
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(
	reg *registry.Registry,
	files repository.FileRepository,
	progress repository.ProgressRepository,
	manifests repository.ManifestCache,
	bus events.Publisher,
	links Links,
	cleanupOrphans bool,
) UploadService {
	return &uploadService{
		registry:       reg,
		files:          files,
		progress:       progress,
		manifests:      manifests,
		bus:            bus,
		links:          links,
		cleanupOrphans: cleanupOrphans,
	}
}

// sentMessage 记录已发送的消息，用于失败时清理。
type sentMessage struct {
	backend storage.Backend
	ref     storage.MessageRef
}

// Upload 根据文件大小选择策略并上传。
// 分片策略下按序逐个发送分片，全部成功后发送清单；清单写入成功才会创建文件记录。
func (s *uploadService) Upload(ctx context.Context, req UploadRequest) (*model.FileRecord, error) {
	if req.Size <= 0 {
		return nil, ErrEmptyFile
	}
	if req.Filename == "" {
		req.Filename = "file"
	}

	plan := s.registry.Resolve(req.Size)
	totalChunks := 1
	if plan.Strategy.Chunked() {
		totalChunks = chunker.Count(req.Size, plan.ChunkSize)
	}
	log.Infof("[Upload] 开始上传, 文件名: %s, 大小: %d, 策略: %s, 分片数: %d, upload_id: %s",
		req.Filename, req.Size, plan.Strategy, totalChunks, req.UploadID)

	s.startProgress(ctx, req, totalChunks)

	var (
		record *model.FileRecord
		err    error
	)
	if plan.Strategy.Chunked() {
		record, err = s.uploadChunked(ctx, req, plan, totalChunks)
	} else {
		record, err = s.uploadSingle(ctx, req, plan)
	}

	s.finishProgress(ctx, req.UploadID, record, err)
	metrics.RecordUpload(string(plan.Strategy), req.Size, err == nil)
	if err != nil {
		log.Errorf("[Upload] 上传失败, 文件名: %s, error: %v", req.Filename, err)
		return nil, err
	}

	s.bus.Publish(events.AddEvent(record))
	log.Infof("[Upload] 上传完成, 文件名: %s, file_id: %s", record.Filename, record.CompositeID)
	return record, nil
}

func (s *uploadService) uploadSingle(ctx context.Context, req UploadRequest, plan registry.Plan) (*model.FileRecord, error) {
	counter := &countingReader{r: io.LimitReader(req.Body, req.Size+1)}
	ref, err := plan.Backend.Send(ctx, storage.Document{
		Name: req.Filename,
		Body: counter,
		Size: req.Size,
	})
	metrics.RecordChunkSent(plan.Backend.Name(), err == nil)
	if err != nil {
		return nil, &ChunkError{Op: "upload", Index: 0, Backend: plan.Backend.Name(), Kind: ErrChunkUploadFailed, Err: err}
	}
	if counter.n != req.Size {
		s.cleanup(ctx, []sentMessage{{backend: plan.Backend, ref: ref}})
		return nil, fmt.Errorf("%w: read %d bytes, declared %d", ErrSizeMismatch, counter.n, req.Size)
	}
	s.markProgress(ctx, req.UploadID, 0)

	record := &model.FileRecord{
		Filename:    req.Filename,
		CompositeID: ref.String(),
		Size:        req.Size,
		Strategy:    model.StrategySingle,
		ChunkCount:  1,
	}
	if err := s.insert(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *uploadService) uploadChunked(ctx context.Context, req UploadRequest, plan registry.Plan, totalChunks int) (*model.FileRecord, error) {
	// 清单放不进锚点后端时，在发送任何分片之前就失败。
	if err := s.checkManifestFits(req, plan, totalChunks); err != nil {
		return nil, err
	}
	splitter, err := chunker.NewSplitter(req.Body, plan.ChunkSize)
	if err != nil {
		return nil, err
	}

	var (
		sent     []sentMessage
		refs     []manifest.ChunkRef
		received int64
		firstID  int64
	)
	fail := func(err error) (*model.FileRecord, error) {
		s.cleanup(ctx, sent)
		return nil, err
	}

	for {
		chunk, err := splitter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("read upload body: %w", err))
		}
		received += int64(len(chunk.Data))
		if chunk.Index >= totalChunks || received > req.Size {
			return fail(fmt.Errorf("%w: body is longer than %d bytes", ErrSizeMismatch, req.Size))
		}

		backend := s.registry.BackendFor(plan, chunk.Index)
		doc := storage.Document{
			Name:    manifest.PartName(req.Filename, chunk.Index+1),
			Caption: manifest.PartCaption(req.Filename, chunk.Index+1, totalChunks),
			Body:    bytes.NewReader(chunk.Data),
			Size:    int64(len(chunk.Data)),
		}
		// 单后端分片以回复的形式串在第一个分片之后，便于在频道中查看。
		if plan.Strategy == model.StrategyChunkedSingleBackend {
			doc.ReplyTo = firstID
		}

		ref, err := backend.Send(ctx, doc)
		metrics.RecordChunkSent(backend.Name(), err == nil)
		if err != nil {
			return fail(&ChunkError{Op: "upload", Index: chunk.Index, Backend: backend.Name(), Kind: ErrChunkUploadFailed, Err: err})
		}
		sent = append(sent, sentMessage{backend: backend, ref: ref})
		if chunk.Index == 0 {
			firstID = ref.MessageID
		}

		cref := manifest.ChunkRef{
			Index:     chunk.Index,
			MessageID: ref.MessageID,
			FileID:    ref.FileID,
			Size:      int64(len(chunk.Data)),
			Digest:    manifest.Digest(chunk.Data),
		}
		if plan.Strategy == model.StrategyChunkedMultiBackend {
			cref.Backend = backend.Name()
		}
		refs = append(refs, cref)

		s.markProgress(ctx, req.UploadID, chunk.Index)
		log.Debugf("[Upload] 分片 %d/%d 已发送到 %s, message_id: %d", chunk.Index+1, totalChunks, backend.Name(), ref.MessageID)
	}

	if received != req.Size {
		return fail(fmt.Errorf("%w: read %d bytes, declared %d", ErrSizeMismatch, received, req.Size))
	}

	m := &manifest.Manifest{
		Version:   manifest.CurrentVersion,
		Strategy:  plan.Strategy,
		Filename:  req.Filename,
		TotalSize: req.Size,
		ChunkSize: plan.ChunkSize,
		Chunks:    refs,
	}
	payload, err := manifest.Build(m)
	if err != nil {
		return fail(err)
	}

	doc := storage.Document{
		Name:    manifest.FileName(req.Filename),
		Caption: manifest.Caption(m, ""),
		Body:    bytes.NewReader(payload),
		Size:    int64(len(payload)),
	}
	if plan.Strategy == model.StrategyChunkedSingleBackend {
		doc.ReplyTo = firstID
	}
	anchor, err := plan.Backend.Send(ctx, doc)
	if err != nil {
		return fail(fmt.Errorf("%w: send manifest on %s: %w", ErrChunkUploadFailed, plan.Backend.Name(), err))
	}
	compositeID := anchor.String()

	// 清单已经写入，说明文字更新失败不影响上传结果。
	caption := manifest.Caption(m, s.links.DownloadURL(compositeID, req.Filename))
	if err := plan.Backend.EditCaption(ctx, anchor.MessageID, caption); err != nil {
		log.Warnf("[Upload] 更新清单说明失败, file_id: %s, error: %v", compositeID, err)
	}
	if err := s.manifests.Set(ctx, compositeID, m); err != nil {
		log.Warnf("[Upload] 写入清单缓存失败, file_id: %s, error: %v", compositeID, err)
	}

	record := &model.FileRecord{
		Filename:    req.Filename,
		CompositeID: compositeID,
		Size:        req.Size,
		Strategy:    plan.Strategy,
		ChunkCount:  len(refs),
	}
	if err := s.insert(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *uploadService) checkManifestFits(req UploadRequest, plan registry.Plan, totalChunks int) error {
	longest := ""
	for _, b := range s.registry.Backends() {
		if len(b.Name()) > len(longest) {
			longest = b.Name()
		}
	}
	est, err := manifest.EstimateSize(plan.Strategy, req.Filename, req.Size, plan.ChunkSize, totalChunks, longest)
	if err != nil {
		return err
	}
	if est > plan.Backend.Capacity() {
		return fmt.Errorf("%w: manifest for %d chunks needs about %d bytes, %s accepts %d",
			storage.ErrPayloadTooLarge, totalChunks, est, plan.Backend.Name(), plan.Backend.Capacity())
	}
	return nil
}

func (s *uploadService) insert(ctx context.Context, record *model.FileRecord) error {
	unlock := s.files.Lock(record.CompositeID)
	defer unlock()
	if err := s.files.Insert(ctx, record); err != nil {
		return fmt.Errorf("保存文件记录失败: %w", err)
	}
	return nil
}

// cleanup 尽力删除一次失败上传中已发送的消息。
func (s *uploadService) cleanup(ctx context.Context, sent []sentMessage) {
	if !s.cleanupOrphans || len(sent) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	removed := 0
	for _, m := range sent {
		if err := m.backend.Delete(ctx, m.ref); err != nil && !errors.Is(err, storage.ErrMessageNotFound) {
			log.Warnf("[Upload] 清理孤立分片失败, backend: %s, message_id: %d, error: %v", m.backend.Name(), m.ref.MessageID, err)
			continue
		}
		removed++
	}
	log.Infof("[Upload] 已清理 %d/%d 条孤立消息", removed, len(sent))
}

func (s *uploadService) startProgress(ctx context.Context, req UploadRequest, totalChunks int) {
	if req.UploadID == "" {
		return
	}
	err := s.progress.Start(ctx, &model.UploadProgress{
		UploadID:    req.UploadID,
		FileName:    req.Filename,
		TotalSize:   req.Size,
		TotalChunks: totalChunks,
	})
	if err != nil {
		log.Warnf("[Upload] 初始化上传进度失败, upload_id: %s, error: %v", req.UploadID, err)
	}
}

func (s *uploadService) markProgress(ctx context.Context, uploadID string, index int) {
	if uploadID == "" {
		return
	}
	if err := s.progress.MarkChunkUploaded(ctx, uploadID, index); err != nil {
		log.Warnf("[Upload] 记录分片进度失败, upload_id: %s, chunk: %d, error: %v", uploadID, index, err)
	}
}

func (s *uploadService) finishProgress(ctx context.Context, uploadID string, record *model.FileRecord, uploadErr error) {
	if uploadID == "" {
		return
	}
	compositeID := ""
	if record != nil {
		compositeID = record.CompositeID
	}
	if err := s.progress.Finish(context.WithoutCancel(ctx), uploadID, compositeID, uploadErr); err != nil {
		log.Warnf("[Upload] 更新上传进度失败, upload_id: %s, error: %v", uploadID, err)
	}
}

// countingReader 统计读出的字节数。
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
