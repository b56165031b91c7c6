// Package manifest 负责分片文件清单的序列化、解析与识别。
//
// 清单是分片文件在远端的锚点消息：第一行是魔数 tgstate-blob，
// 其后是一个 JSON 文档，按顺序记录每个分片的位置。
// 清单消息的说明文字带有固定标记，扫描频道时无需解析内容即可区分清单与分片。
package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"tgstate-go/internal/model"
	"tgstate-go/pkg/storage"
)

const (
	// Magic 是清单内容的第一行。
	Magic = "tgstate-blob"
	// Marker 出现在清单消息的说明文字开头。
	Marker = "[MULTIPART UPLOAD COMPLETED]"
	// Extension 是清单消息的文件名后缀。
	Extension = ".manifest"

	// CurrentVersion 是 Build 写出的格式版本。
	CurrentVersion = 1
)

// ErrCorrupt 表示清单无法解析或内容不自洽。
var ErrCorrupt = errors.New("manifest corrupt")

// ChunkRef 定位一个分片。Backend 仅在多后端策略下出现。
type ChunkRef struct {
	Index     int    `json:"index"`
	Backend   string `json:"backend,omitempty"`
	MessageID int64  `json:"message_id"`
	FileID    string `json:"file_id"`
	Size      int64  `json:"size,omitempty"`
	Digest    string `json:"blake3,omitempty"`
}

// Ref 返回分片对应的消息引用。
func (c ChunkRef) Ref() storage.MessageRef {
	return storage.MessageRef{MessageID: c.MessageID, FileID: c.FileID}
}

// Manifest 是一个分片文件的完整清单。
type Manifest struct {
	Version   int            `json:"version"`
	Strategy  model.Strategy `json:"strategy"`
	Filename  string         `json:"filename"`
	TotalSize int64          `json:"total_size"`
	ChunkSize int64          `json:"chunk_size"`
	Chunks    []ChunkRef     `json:"chunks"`
}

// Validate 检查清单是否自洽：策略为分片策略，分片序号恰为 0..N-1。
func (m *Manifest) Validate() error {
	if !m.Strategy.Chunked() {
		return fmt.Errorf("%w: unexpected strategy %q", ErrCorrupt, m.Strategy)
	}
	if len(m.Chunks) == 0 {
		return fmt.Errorf("%w: no chunks", ErrCorrupt)
	}
	seen := make([]bool, len(m.Chunks))
	var sum int64
	sized := true
	for _, c := range m.Chunks {
		if c.Index < 0 || c.Index >= len(m.Chunks) {
			return fmt.Errorf("%w: chunk index %d out of range [0,%d)", ErrCorrupt, c.Index, len(m.Chunks))
		}
		if seen[c.Index] {
			return fmt.Errorf("%w: duplicate chunk index %d", ErrCorrupt, c.Index)
		}
		seen[c.Index] = true
		if c.FileID == "" {
			return fmt.Errorf("%w: chunk %d has no file id", ErrCorrupt, c.Index)
		}
		if m.Strategy == model.StrategyChunkedMultiBackend && c.Backend == "" {
			return fmt.Errorf("%w: chunk %d has no backend", ErrCorrupt, c.Index)
		}
		if c.Size <= 0 {
			sized = false
		}
		sum += c.Size
	}
	if sized && m.TotalSize > 0 && sum != m.TotalSize {
		return fmt.Errorf("%w: chunk sizes sum to %d, expected %d", ErrCorrupt, sum, m.TotalSize)
	}
	return nil
}

// Build 序列化清单。分片会按序号排序后写出；Version 必须显式设置。
func Build(m *Manifest) ([]byte, error) {
	if m.Version <= 0 || m.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, m.Version)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := *m
	out.Chunks = sortedChunks(m.Chunks)

	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte('\n')
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&out); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// fileIDReserve 是估算清单大小时为每个 file_id 预留的长度，Telegram 的 file_id 通常不超过它。
const fileIDReserve = 96

// EstimateSize 返回一个有 chunks 个分片的清单序列化后的大小上界估计。
// 上传在发送任何分片之前用它判断清单能否放进锚点后端。
func EstimateSize(strategy model.Strategy, filename string, totalSize, chunkSize int64, chunks int, backend string) (int64, error) {
	if chunks <= 0 || chunkSize <= 0 {
		return 0, fmt.Errorf("%w: no chunks", ErrCorrupt)
	}
	m := &Manifest{
		Version:   CurrentVersion,
		Strategy:  strategy,
		Filename:  filename,
		TotalSize: totalSize,
		ChunkSize: chunkSize,
		Chunks:    make([]ChunkRef, chunks),
	}
	fileID := strings.Repeat("x", fileIDReserve)
	digest := strings.Repeat("0", hex.EncodedLen(32))
	remaining := totalSize
	for i := range m.Chunks {
		size := chunkSize
		if i == chunks-1 {
			size = remaining
		}
		remaining -= size
		c := ChunkRef{Index: i, MessageID: math.MaxInt64, FileID: fileID, Size: size, Digest: digest}
		if strategy == model.StrategyChunkedMultiBackend {
			c.Backend = backend
		}
		m.Chunks[i] = c
	}
	payload, err := Build(m)
	if err != nil {
		return 0, err
	}
	return int64(len(payload)), nil
}

// Parse 解析清单内容，同时支持 JSON 格式与旧版的逐行格式:
//
//	tgstate-blob
//	<filename>
//	<message_id>:<file_id>
//	...
func Parse(data []byte) (*Manifest, error) {
	head, body, ok := bytes.Cut(data, []byte("\n"))
	if !ok || strings.TrimSpace(string(head)) != Magic {
		return nil, fmt.Errorf("%w: missing %s header", ErrCorrupt, Magic)
	}

	var m *Manifest
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		m = &Manifest{}
		if err := json.Unmarshal(trimmed, m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if m.Version > CurrentVersion {
			return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, m.Version)
		}
	} else {
		var err error
		if m, err = parseLegacy(string(body)); err != nil {
			return nil, err
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Chunks = sortedChunks(m.Chunks)
	return m, nil
}

func parseLegacy(body string) (*Manifest, error) {
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: legacy manifest has no chunks", ErrCorrupt)
	}
	m := &Manifest{
		Version:  0,
		Strategy: model.StrategyChunkedSingleBackend,
		Filename: strings.TrimSpace(lines[0]),
	}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ref, err := storage.ParseMessageRef(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		m.Chunks = append(m.Chunks, ChunkRef{Index: len(m.Chunks), MessageID: ref.MessageID, FileID: ref.FileID})
	}
	return m, nil
}

func sortedChunks(chunks []ChunkRef) []ChunkRef {
	out := make([]ChunkRef, len(chunks))
	copy(out, chunks)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Digest 返回数据的 BLAKE3-256 十六进制摘要。
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify 校验分片数据的长度与摘要。没有记录的字段不参与校验。
func (c ChunkRef) Verify(data []byte) error {
	if c.Size > 0 && int64(len(data)) != c.Size {
		return fmt.Errorf("chunk %d: got %d bytes, expected %d", c.Index, len(data), c.Size)
	}
	if c.Digest != "" && Digest(data) != c.Digest {
		return fmt.Errorf("chunk %d: digest mismatch", c.Index)
	}
	return nil
}

// FileName 返回清单消息的文件名。
func FileName(original string) string {
	return original + Extension
}

// IsManifestName 根据文件名判断消息是否为清单。
func IsManifestName(name string) bool {
	return strings.HasSuffix(name, Extension)
}

// IsManifestCaption 根据说明文字判断消息是否为清单。
func IsManifestCaption(caption string) bool {
	return strings.HasPrefix(caption, Marker)
}

// Caption 生成清单消息的说明文字。downloadURL 为空时显示 preparing。
func Caption(m *Manifest, downloadURL string) string {
	if downloadURL == "" {
		downloadURL = "preparing..."
	}
	return fmt.Sprintf("%s %s\nTotal size: %.2f MB\nParts: %d\nDownload: %s",
		Marker, m.Filename, float64(m.TotalSize)/1024/1024, len(m.Chunks), downloadURL)
}

// PartName 返回分片消息的文件名，part 从 1 开始。
func PartName(original string, part int) string {
	return fmt.Sprintf("%s.part%d", original, part)
}

// PartCaption 返回分片消息的说明文字，part 从 1 开始。
func PartCaption(original string, part, total int) string {
	return fmt.Sprintf("%s (part %d/%d)", original, part, total)
}
