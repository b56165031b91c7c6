package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/internal/model"
	"tgstate-go/internal/service"
)

type fakeFiles struct {
	service.FileService
	names []string
}

func (f *fakeFiles) List(ctx context.Context) ([]service.FileInfo, error) {
	infos := make([]service.FileInfo, 0, len(f.names))
	for _, n := range f.names {
		infos = append(infos, service.FileInfo{Filename: n})
	}
	return infos, nil
}

type fakeUploads struct {
	mu       sync.Mutex
	uploaded map[string]string
}

func (u *fakeUploads) Upload(ctx context.Context, req service.UploadRequest) (*model.FileRecord, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploaded[req.Filename] = string(data)
	return &model.FileRecord{Filename: req.Filename, CompositeID: "1:x", Size: req.Size}, nil
}

func TestSeedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("skip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deep.bin"), []byte("deep"), 0o644))

	uploads := &fakeUploads{uploaded: map[string]string{}}
	seedFiles(context.Background(), dir, &fakeFiles{names: []string{"old.txt"}}, uploads)

	assert.Equal(t, map[string]string{"new.txt": "hello", "deep.bin": "deep"}, uploads.uploaded)
}

func TestSeedFiles_MissingDir(t *testing.T) {
	uploads := &fakeUploads{uploaded: map[string]string{}}
	seedFiles(context.Background(), filepath.Join(t.TempDir(), "nope"), &fakeFiles{}, uploads)
	assert.Empty(t, uploads.uploaded)
}
