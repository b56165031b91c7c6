// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"encoding/json"
	"time"
)

// Strategy 描述文件在后端上的存储布局。
type Strategy string

const (
	StrategySingle               Strategy = "single"
	StrategyChunkedSingleBackend Strategy = "chunked-single-backend"
	StrategyChunkedMultiBackend  Strategy = "chunked-multi-backend"
)

// Valid 判断是否为已知的存储策略。
func (s Strategy) Valid() bool {
	switch s {
	case StrategySingle, StrategyChunkedSingleBackend, StrategyChunkedMultiBackend:
		return true
	}
	return false
}

// Chunked 判断该策略是否带有 manifest。
func (s Strategy) Chunked() bool {
	return s == StrategyChunkedSingleBackend || s == StrategyChunkedMultiBackend
}

// FileRecord 定义了 files 表的 ORM 模型，每个逻辑文件一行。
// CompositeID 一经分配不可修改，是下载与删除唯一使用的键。
type FileRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	Filename    string    `gorm:"type:varchar(255);not null" json:"filename"`
	CompositeID string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"file_id"`
	Size        int64     `gorm:"not null" json:"filesize"`
	Strategy    Strategy  `gorm:"type:varchar(32);not null" json:"strategy"`
	ChunkCount  int       `gorm:"not null;default:1" json:"chunk_count"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FileRecord) TableName() string {
	return "files"
}

// MarshalJSON 以 "YYYY-MM-DD HH:MM:SS" 格式输出 upload_date。
func (f FileRecord) MarshalJSON() ([]byte, error) {
	type alias FileRecord
	return json.Marshal(struct {
		alias
		UploadDate LocalTime `json:"upload_date"`
	}{alias: alias(f), UploadDate: LocalTime(f.CreatedAt)})
}
