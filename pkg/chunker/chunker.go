// Package chunker 把字节流切分为固定大小的分片。
//
// 切分是确定性的：同样的输入与分片大小总是得到同样的分片序列。
// 除最后一片外，每片恰好 chunkSize 字节；最后一片为 1..chunkSize 字节。
// 任意时刻最多只在内存中持有一个分片。
package chunker

import (
	"errors"
	"fmt"
	"io"
)

// ErrInvalidChunkSize 表示分片大小不是正数。
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Chunk 是原始流中的一段连续字节。
type Chunk struct {
	Index int
	Data  []byte
}

// Splitter 按顺序从 r 中读出分片。
type Splitter struct {
	r         io.Reader
	chunkSize int
	next      int
	done      bool
}

// NewSplitter 创建一个 Splitter。
func NewSplitter(r io.Reader, chunkSize int64) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	return &Splitter{r: r, chunkSize: int(chunkSize)}, nil
}

// Next 返回下一个分片；流结束后返回 io.EOF。
// 返回的 Data 由调用方持有，不会被后续调用复用。
func (s *Splitter) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.done = true
		return Chunk{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	default:
		return Chunk{}, fmt.Errorf("read chunk %d: %w", s.next, err)
	}
	c := Chunk{Index: s.next, Data: buf[:n]}
	s.next++
	return c, nil
}

// Count 返回 total 字节按 chunkSize 切分后的分片数。
func Count(total, chunkSize int64) int {
	if total <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((total + chunkSize - 1) / chunkSize)
}

// Split 把整个流切分为分片切片，仅用于小数据量的场景。
func Split(r io.Reader, chunkSize int64) ([]Chunk, error) {
	s, err := NewSplitter(r, chunkSize)
	if err != nil {
		return nil, err
	}
	var chunks []Chunk
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}
