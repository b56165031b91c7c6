package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/singleflight"

	"tgstate-go/internal/manifest"
	"tgstate-go/internal/registry"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/storage"
)

// anchorReadTimeout 限制一次合并的锚点读取的时长。
const anchorReadTimeout = 2 * time.Minute

// manifestLoader 读取并解析锚点消息中的清单，结果缓存在 ManifestCache 中。
// 并发的未命中请求通过 singleflight 合并为一次远端读取。
type manifestLoader struct {
	registry *registry.Registry
	cache    repository.ManifestCache
	group    singleflight.Group
}

func newManifestLoader(reg *registry.Registry, cache repository.ManifestCache) *manifestLoader {
	return &manifestLoader{registry: reg, cache: cache}
}

// Load 返回 compositeID 对应的清单。锚点消息不存在时错误匹配 storage.ErrMessageNotFound。
func (l *manifestLoader) Load(ctx context.Context, compositeID string) (*manifest.Manifest, error) {
	cached, err := l.cache.Get(ctx, compositeID)
	if err != nil {
		log.Warnf("[ManifestLoader] 读取清单缓存失败, file_id: %s, error: %v", compositeID, err)
	}
	if cached != nil {
		return cached, nil
	}

	// 合并后的读取不绑定任何单个调用方的 ctx，一个下载断开不会让同一批等待者一起失败。
	ch := l.group.DoChan(compositeID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), anchorReadTimeout)
		defer cancel()

		ref, err := storage.ParseMessageRef(compositeID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", manifest.ErrCorrupt, err)
		}
		m, isManifest, err := readAnchor(fetchCtx, l.registry.Default(), ref)
		if err != nil {
			return nil, err
		}
		if !isManifest {
			return nil, fmt.Errorf("%w: anchor message %s is not a manifest", manifest.ErrCorrupt, compositeID)
		}
		if err := l.cache.Set(fetchCtx, compositeID, m); err != nil {
			log.Warnf("[ManifestLoader] 写入清单缓存失败, file_id: %s, error: %v", compositeID, err)
		}
		return m, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*manifest.Manifest), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget 清除缓存中的清单。
func (l *manifestLoader) Forget(ctx context.Context, compositeID string) {
	if err := l.cache.Delete(ctx, compositeID); err != nil {
		log.Warnf("[ManifestLoader] 清除清单缓存失败, file_id: %s, error: %v", compositeID, err)
	}
}

// readAnchor 读取锚点消息。只有以魔数开头的消息才会被完整读入并解析；
// 普通文件只读取魔数长度的前缀，返回 isManifest=false。
func readAnchor(ctx context.Context, backend storage.Backend, ref storage.MessageRef) (*manifest.Manifest, bool, error) {
	rc, err := backend.Open(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	defer rc.Close()

	header := make([]byte, len(manifest.Magic)+1)
	n, err := io.ReadFull(rc, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("read anchor %s: %w", ref, err)
	}
	if n < len(header) || !bytes.Equal(header[:len(manifest.Magic)], []byte(manifest.Magic)) {
		return nil, false, nil
	}

	rest, err := io.ReadAll(io.LimitReader(rc, backend.Capacity()))
	if err != nil {
		return nil, false, fmt.Errorf("read anchor %s: %w", ref, err)
	}
	m, err := manifest.Parse(append(header, rest...))
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}
