// Package service 包含了应用的业务逻辑层：上传、重建下载、删除与频道同步。
package service

import (
	"errors"
	"fmt"

	"tgstate-go/internal/repository"
)

var (
	// ErrFileNotFound 表示元数据库中没有该文件。
	ErrFileNotFound = repository.ErrFileNotFound
	// ErrEmptyFile 表示上传的文件为空。
	ErrEmptyFile = errors.New("file is empty")
	// ErrSizeMismatch 表示实际读到的字节数与声明的大小不一致。
	ErrSizeMismatch = errors.New("file size does not match the declared size")
	// ErrChunkUploadFailed 表示某个分片（或清单）发送失败，整个上传被中止。
	ErrChunkUploadFailed = errors.New("chunk upload failed")
	// ErrChunkNotFound 表示下载时某个分片在远端已不存在。
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrChunkCorrupt 表示分片内容与清单记录的长度或摘要不符。
	ErrChunkCorrupt = errors.New("chunk corrupt")
	// ErrPartialDelete 表示部分远端消息删除失败。
	ErrPartialDelete = errors.New("some remote messages could not be deleted")
)

// ChunkError 携带出错分片的序号与后端，便于定位问题。
type ChunkError struct {
	Op      string
	Index   int
	Backend string
	// Kind 是本包的哨兵错误，可为 nil。
	Kind error
	Err  error
}

func (e *ChunkError) Error() string {
	msg := fmt.Sprintf("%s chunk %d on backend %q", e.Op, e.Index, e.Backend)
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 同时暴露 Kind 与底层错误，errors.Is 可匹配二者。
func (e *ChunkError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
