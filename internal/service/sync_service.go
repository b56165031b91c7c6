package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tgstate-go/internal/events"
	"tgstate-go/internal/manifest"
	"tgstate-go/internal/model"
	"tgstate-go/internal/registry"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/metrics"
	"tgstate-go/pkg/storage"
)

// SyncService 把频道中直接发生的变化同步到元数据库：
// 用户直接发到频道的文件会被登记，频道中被删除的消息会移除对应记录，
// 对文件消息回复 "get" 会得到它的下载链接。
type SyncService interface {
	// Run 消费所有更新源，直到 ctx 结束。
	Run(ctx context.Context, sources map[string]storage.UpdateSource)
	// Handle 处理一次频道更新。
	Handle(ctx context.Context, upd storage.Update)
}

type syncService struct {
	registry *registry.Registry
	files    repository.FileRepository
	deleter  DeleteService
	bus      events.Publisher
	links    Links
}

// NewSyncService 创建一个新的 SyncService 实例。
func NewSyncService(reg *registry.Registry, files repository.FileRepository, deleter DeleteService, bus events.Publisher, links Links) SyncService {
	return &syncService{registry: reg, files: files, deleter: deleter, bus: bus, links: links}
}

func (s *syncService) Run(ctx context.Context, sources map[string]storage.UpdateSource) {
	var wg sync.WaitGroup
	for name, src := range sources {
		wg.Add(1)
		go func(name string, src storage.UpdateSource) {
			defer wg.Done()
			log.Infof("[Sync] 开始同步后端 %s 的频道更新", name)
			for upd := range src.Updates(ctx) {
				s.Handle(ctx, upd)
			}
			log.Infof("[Sync] 后端 %s 的同步已停止", name)
		}(name, src)
	}
	wg.Wait()
}

func (s *syncService) Handle(ctx context.Context, upd storage.Update) {
	// 文件记录只锚定在默认后端上，其他后端的消息都是分片。
	if upd.Backend != s.registry.Default().Name() {
		metrics.RecordSyncUpdate(kindLabel(upd.Kind), "ignored")
		return
	}
	switch upd.Kind {
	case storage.UpdatePosted:
		s.handlePosted(ctx, upd)
	case storage.UpdateRemoved:
		s.handleRemoved(ctx, upd)
	case storage.UpdateLinkRequest:
		s.handleLinkRequest(ctx, upd)
	}
}

func (s *syncService) handlePosted(ctx context.Context, upd storage.Update) {
	if upd.FromBot || manifest.IsManifestName(upd.FileName) || upd.Size <= 0 || upd.Size > s.registry.Default().Capacity() {
		metrics.RecordSyncUpdate("posted", "ignored")
		return
	}

	record := &model.FileRecord{
		Filename:    upd.FileName,
		CompositeID: upd.Ref.String(),
		Size:        upd.Size,
		Strategy:    model.StrategySingle,
		ChunkCount:  1,
		CreatedAt:   upd.Date,
	}
	unlock := s.files.Lock(record.CompositeID)
	err := s.files.Insert(ctx, record)
	unlock()
	if errors.Is(err, repository.ErrDuplicateFile) {
		metrics.RecordSyncUpdate("posted", "duplicate")
		return
	}
	if err != nil {
		log.Errorf("[Sync] 登记频道文件失败, file_id: %s, error: %v", record.CompositeID, err)
		metrics.RecordSyncUpdate("posted", "error")
		return
	}

	log.Infof("[Sync] 登记频道文件, 文件名: %s, file_id: %s", record.Filename, record.CompositeID)
	metrics.RecordSyncUpdate("posted", "recorded")
	s.bus.Publish(events.AddEvent(record))
}

func (s *syncService) handleRemoved(ctx context.Context, upd storage.Update) {
	record, err := s.files.FindByMessageID(ctx, upd.Ref.MessageID)
	if errors.Is(err, repository.ErrFileNotFound) {
		metrics.RecordSyncUpdate("removed", "ignored")
		return
	}
	if err != nil {
		log.Errorf("[Sync] 查询文件记录失败, message_id: %d, error: %v", upd.Ref.MessageID, err)
		metrics.RecordSyncUpdate("removed", "error")
		return
	}

	// 锚点已被删除；通过删除流程一并清理分片并发布事件。
	if _, err := s.deleter.Delete(ctx, record.CompositeID); err != nil {
		log.Warnf("[Sync] 清理已删除文件时出错, file_id: %s, error: %v", record.CompositeID, err)
		metrics.RecordSyncUpdate("removed", "error")
		return
	}
	log.Infof("[Sync] 频道消息已删除，移除记录, file_id: %s", record.CompositeID)
	metrics.RecordSyncUpdate("removed", "recorded")
}

// handleLinkRequest 回复被 "get" 的文件的下载链接。清单消息会被读取以取得原始文件名。
func (s *syncService) handleLinkRequest(ctx context.Context, upd storage.Update) {
	backend := s.registry.Default()
	replier, ok := backend.(storage.Replier)
	if !ok {
		metrics.RecordSyncUpdate("link", "ignored")
		return
	}

	compositeID := upd.ReplyTo.String()
	filename := upd.ReplyFileName
	var text string
	if manifest.IsManifestName(filename) {
		m, isManifest, err := readAnchor(ctx, backend, upd.ReplyTo)
		switch {
		case err != nil:
			log.Warnf("[Sync] 读取清单失败, file_id: %s, error: %v", compositeID, err)
			text = "错误：无法获取清单文件内容。"
		case isManifest:
			filename = m.Filename
		}
	}
	if text == "" {
		if s.links.BaseURL != "" {
			text = fmt.Sprintf("这是 '%s' 的下载链接:\n%s", filename, s.links.DownloadURL(compositeID, filename))
		} else {
			text = fmt.Sprintf("这是 '%s' 的下载路径(请自行拼接域名):\n%s", filename, s.links.DownloadURL(compositeID, ""))
		}
	}

	if err := replier.Reply(ctx, upd.Ref.MessageID, text); err != nil {
		log.Errorf("[Sync] 回复下载链接失败, message_id: %d, error: %v", upd.Ref.MessageID, err)
		metrics.RecordSyncUpdate("link", "error")
		return
	}
	log.Infof("[Sync] 已回复下载链接, file_id: %s", compositeID)
	metrics.RecordSyncUpdate("link", "replied")
}

func kindLabel(k storage.UpdateKind) string {
	switch k {
	case storage.UpdatePosted:
		return "posted"
	case storage.UpdateRemoved:
		return "removed"
	case storage.UpdateLinkRequest:
		return "link"
	default:
		return "unknown"
	}
}
