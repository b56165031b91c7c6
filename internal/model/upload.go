package model

// UploadStatus 表示一次上传的进度状态。
type UploadStatus int

const (
	UploadStatusUploading UploadStatus = iota
	UploadStatusCompleted
	UploadStatusFailed
)

func (s UploadStatus) String() string {
	switch s {
	case UploadStatusUploading:
		return "uploading"
	case UploadStatusCompleted:
		return "completed"
	case UploadStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UploadProgress 记录了一次分片上传的进度，保存在 Redis 中。
type UploadProgress struct {
	UploadID     string       `json:"uploadId"`
	FileName     string       `json:"fileName"`
	TotalSize    int64        `json:"totalSize"`
	TotalChunks  int          `json:"totalChunks"`
	Uploaded     []int        `json:"uploaded"`
	Status       UploadStatus `json:"-"`
	StatusText   string       `json:"status"`
	CompositeID  string       `json:"fileId,omitempty"`
	ErrorMessage string       `json:"error,omitempty"`
}

// Percent 返回已完成分片的百分比。
func (p *UploadProgress) Percent() float64 {
	if p.TotalChunks == 0 {
		return 0
	}
	return float64(len(p.Uploaded)) * 100 / float64(p.TotalChunks)
}
