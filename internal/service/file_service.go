package service

import (
	"context"

	"tgstate-go/internal/model"
	"tgstate-go/internal/repository"
)

// FileInfo 是文件列表中的一项，附带下载链接。
type FileInfo struct {
	Filename    string          `json:"filename"`
	CompositeID string          `json:"file_id"`
	Size        int64           `json:"filesize"`
	Strategy    model.Strategy  `json:"strategy"`
	ChunkCount  int             `json:"chunk_count"`
	UploadDate  model.LocalTime `json:"upload_date"`
	DownloadURL string          `json:"url"`
}

func newFileInfo(record *model.FileRecord, url string) FileInfo {
	return FileInfo{
		Filename:    record.Filename,
		CompositeID: record.CompositeID,
		Size:        record.Size,
		Strategy:    record.Strategy,
		ChunkCount:  record.ChunkCount,
		UploadDate:  model.LocalTime(record.CreatedAt),
		DownloadURL: url,
	}
}

// FileService 接口定义了文件查询相关的业务操作。
type FileService interface {
	List(ctx context.Context) ([]FileInfo, error)
	Get(ctx context.Context, compositeID string) (*FileInfo, error)
	Progress(ctx context.Context, uploadID string) (*model.UploadProgress, error)
	DownloadURL(record *model.FileRecord) string
	// Describe 把记录转换为带下载链接的 FileInfo。
	Describe(record *model.FileRecord) FileInfo
}

type fileService struct {
	files    repository.FileRepository
	progress repository.ProgressRepository
	links    Links
}

// NewFileService 创建一个新的 FileService 实例。
func NewFileService(files repository.FileRepository, progress repository.ProgressRepository, links Links) FileService {
	return &fileService{files: files, progress: progress, links: links}
}

func (s *fileService) List(ctx context.Context) ([]FileInfo, error) {
	records, err := s.files.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(records))
	for i := range records {
		infos = append(infos, newFileInfo(&records[i], s.DownloadURL(&records[i])))
	}
	return infos, nil
}

func (s *fileService) Get(ctx context.Context, compositeID string) (*FileInfo, error) {
	record, err := s.files.Get(ctx, compositeID)
	if err != nil {
		return nil, err
	}
	info := newFileInfo(record, s.DownloadURL(record))
	return &info, nil
}

func (s *fileService) Progress(ctx context.Context, uploadID string) (*model.UploadProgress, error) {
	return s.progress.Get(ctx, uploadID)
}

func (s *fileService) DownloadURL(record *model.FileRecord) string {
	return s.links.DownloadURL(record.CompositeID, record.Filename)
}

func (s *fileService) Describe(record *model.FileRecord) FileInfo {
	return newFileInfo(record, s.DownloadURL(record))
}
