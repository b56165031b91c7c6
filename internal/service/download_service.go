package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tgstate-go/internal/manifest"
	"tgstate-go/internal/model"
	"tgstate-go/internal/registry"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/metrics"
	"tgstate-go/pkg/storage"
)

// DefaultPrefetch 是下载时默认的预取窗口。
const DefaultPrefetch = 2

var errStreamClosed = errors.New("download stream closed")

// Download 是一次打开的下载。Body 只能顺序读取一次，读完或放弃后必须 Close。
type Download struct {
	Record *model.FileRecord
	Body   io.ReadCloser
}

// DownloadService 接口定义了文件下载（重建）相关的业务操作。
type DownloadService interface {
	// Open 解析 compositeID 并返回惰性的字节流。
	// 文件不存在时返回 ErrFileNotFound，此时尚未产生任何输出。
	Open(ctx context.Context, compositeID string) (*Download, error)
}

type downloadService struct {
	registry  *registry.Registry
	files     repository.FileRepository
	manifests *manifestLoader
	prefetch  int
}

// NewDownloadService 创建一个新的 DownloadService 实例。prefetch 为同时在途的分片数上限。
func NewDownloadService(reg *registry.Registry, files repository.FileRepository, cache repository.ManifestCache, prefetch int) DownloadService {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	return &downloadService{
		registry:  reg,
		files:     files,
		manifests: newManifestLoader(reg, cache),
		prefetch:  prefetch,
	}
}

func (s *downloadService) Open(ctx context.Context, compositeID string) (*Download, error) {
	record, err := s.files.Get(ctx, compositeID)
	if err != nil {
		return nil, err
	}

	if !record.Strategy.Chunked() {
		body, err := s.openSingle(ctx, record)
		if err != nil {
			metrics.RecordDownload(0, false)
			return nil, err
		}
		return &Download{Record: record, Body: body}, nil
	}

	m, err := s.manifests.Load(ctx, compositeID)
	if err != nil {
		metrics.RecordDownload(0, false)
		if errors.Is(err, storage.ErrMessageNotFound) {
			return nil, fmt.Errorf("%w: manifest message %s: %w", ErrChunkNotFound, compositeID, err)
		}
		return nil, fmt.Errorf("load manifest %s: %w", compositeID, err)
	}
	log.Infof("[Download] 开始重建, file_id: %s, 分片数: %d, 策略: %s", compositeID, len(m.Chunks), m.Strategy)
	return &Download{Record: record, Body: newChunkStream(ctx, s.registry, m, s.prefetch)}, nil
}

func (s *downloadService) openSingle(ctx context.Context, record *model.FileRecord) (io.ReadCloser, error) {
	ref, err := storage.ParseMessageRef(record.CompositeID)
	if err != nil {
		return nil, err
	}
	backend := s.registry.Default()
	rc, err := backend.Open(ctx, ref)
	if err != nil {
		ce := &ChunkError{Op: "download", Index: 0, Backend: backend.Name(), Err: err}
		if errors.Is(err, storage.ErrMessageNotFound) {
			ce.Kind = ErrChunkNotFound
		}
		return nil, ce
	}
	return &sizedReader{rc: rc, remaining: record.Size}, nil
}

// sizedReader 保证输出恰好为记录的大小；远端内容偏短时返回 io.ErrUnexpectedEOF。
type sizedReader struct {
	rc        io.ReadCloser
	remaining int64
	read      int64
	failed    bool
	once      sync.Once
}

func (r *sizedReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.rc.Read(p)
	r.remaining -= int64(n)
	r.read += int64(n)
	if errors.Is(err, io.EOF) && r.remaining > 0 {
		r.failed = true
		return n, io.ErrUnexpectedEOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		r.failed = true
	}
	return n, err
}

func (r *sizedReader) Close() error {
	r.once.Do(func() {
		metrics.RecordDownload(r.read, !r.failed && r.remaining == 0)
	})
	return r.rc.Close()
}

type chunkResult struct {
	data []byte
	err  error
}

// chunkStream 按序输出分片内容。后台最多预取 window 个分片，
// 消费者读取第 i 个分片时，第 i+window 个之后的分片尚未被请求。
type chunkStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	registry *registry.Registry
	chunks   []manifest.ChunkRef

	slots   chan chan chunkResult
	failed  atomic.Bool
	current *bytes.Reader
	next    int
	read    int64
	err     error
	once    sync.Once
}

func newChunkStream(ctx context.Context, reg *registry.Registry, m *manifest.Manifest, window int) *chunkStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &chunkStream{
		ctx:      ctx,
		cancel:   cancel,
		registry: reg,
		chunks:   m.Chunks,
		slots:    make(chan chan chunkResult, window),
	}
	go s.produce(window)
	return s
}

// produce 按序为每个分片创建结果槽并启动抓取，在途抓取数不超过 window。
func (s *chunkStream) produce(window int) {
	defer close(s.slots)

	var g errgroup.Group
	g.SetLimit(window)
	for _, c := range s.chunks {
		if s.failed.Load() {
			break
		}
		slot := make(chan chunkResult, 1)
		select {
		case s.slots <- slot:
		case <-s.ctx.Done():
			_ = g.Wait()
			return
		}
		c := c
		g.Go(func() error {
			data, err := s.fetch(c)
			if err != nil {
				s.failed.Store(true)
			}
			slot <- chunkResult{data: data, err: err}
			return err
		})
	}
	_ = g.Wait()
}

func (s *chunkStream) fetch(c manifest.ChunkRef) ([]byte, error) {
	start := time.Now()
	backend, ok := s.registry.Lookup(c.Backend)
	if !ok {
		return nil, &ChunkError{Op: "download", Index: c.Index, Backend: c.Backend, Kind: ErrChunkNotFound,
			Err: errors.New("backend is not configured")}
	}

	data, err := func() ([]byte, error) {
		rc, err := backend.Open(s.ctx, c.Ref())
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(io.LimitReader(rc, backend.Capacity()+1))
	}()
	metrics.RecordChunkFetch(backend.Name(), err == nil, time.Since(start))
	if err != nil {
		ce := &ChunkError{Op: "download", Index: c.Index, Backend: backend.Name(), Err: err}
		if errors.Is(err, storage.ErrMessageNotFound) {
			ce.Kind = ErrChunkNotFound
		}
		return nil, ce
	}
	if err := c.Verify(data); err != nil {
		return nil, &ChunkError{Op: "download", Index: c.Index, Backend: backend.Name(), Kind: ErrChunkCorrupt, Err: err}
	}
	return data, nil
}

func (s *chunkStream) Read(p []byte) (int, error) {
	for {
		if s.current != nil && s.current.Len() > 0 {
			n, _ := s.current.Read(p)
			s.read += int64(n)
			return n, nil
		}
		if s.err != nil {
			return 0, s.err
		}

		var slot chan chunkResult
		var ok bool
		select {
		case slot, ok = <-s.slots:
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			continue
		}
		if !ok {
			if s.next < len(s.chunks) {
				// 生产者提前退出，只可能是因为 ctx 已结束。
				err := s.ctx.Err()
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				s.fail(err)
			} else {
				s.err = io.EOF
			}
			continue
		}

		var res chunkResult
		select {
		case res = <-slot:
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			continue
		}
		if res.err != nil {
			log.Warnf("[Download] 重建中止于分片 %d: %v", s.next, res.err)
			s.fail(res.err)
			continue
		}
		s.current = bytes.NewReader(res.data)
		s.next++
	}
}

func (s *chunkStream) fail(err error) {
	s.err = err
	s.current = nil
	s.cancel()
}

// Close 取消所有在途的抓取，之后的 Read 返回 errStreamClosed。
func (s *chunkStream) Close() error {
	s.once.Do(func() {
		metrics.RecordDownload(s.read, errors.Is(s.err, io.EOF))
		if s.err == nil {
			s.err = errStreamClosed
		}
		s.current = nil
		s.cancel()
	})
	return nil
}
