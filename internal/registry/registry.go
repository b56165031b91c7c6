// Package registry 持有已配置的存储后端，并根据文件大小选择存储策略。
package registry

import (
	"errors"
	"fmt"

	"tgstate-go/internal/model"
	"tgstate-go/pkg/storage"
)

// ErrNoBackendConfigured 表示没有任何可用的后端，属于启动期的致命错误。
var ErrNoBackendConfigured = errors.New("no storage backend configured")

// Options 是策略选择所需的阈值。
type Options struct {
	// SingleLimit 以内的文件作为单条消息发送。为 0 时取 ChunkSize。
	SingleLimit int64
	// ChunkSize 是单后端分片大小。
	ChunkSize int64
	// MultiChunkSize 是多后端分片大小。
	MultiChunkSize int64
	// MultiThreshold 超过该大小且有多个后端时启用多后端分片。
	MultiThreshold int64
}

// Plan 是一次上传的存储方案。
type Plan struct {
	Strategy  model.Strategy
	ChunkSize int64
	// Backend 是锚点后端：单消息文件与清单都写在这里。
	Backend storage.Backend
}

// Registry 在构造后只读，可被并发使用。
type Registry struct {
	backends []storage.Backend
	byName   map[string]storage.Backend
	opts     Options
}

// New 创建 Registry。第一个后端为默认后端。
func New(backends []storage.Backend, opts Options) (*Registry, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackendConfigured
	}
	if opts.ChunkSize <= 0 || opts.MultiChunkSize <= 0 {
		return nil, errors.New("chunk sizes must be positive")
	}
	if opts.SingleLimit <= 0 {
		opts.SingleLimit = opts.ChunkSize
	}

	r := &Registry{
		backends: append([]storage.Backend(nil), backends...),
		byName:   make(map[string]storage.Backend, len(backends)),
		opts:     opts,
	}
	for i, b := range backends {
		if _, dup := r.byName[b.Name()]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", b.Name())
		}
		r.byName[b.Name()] = b
		if i == 0 {
			if opts.SingleLimit > b.Capacity() || opts.ChunkSize > b.Capacity() {
				return nil, fmt.Errorf("default backend %q capacity %d is below the configured chunk size", b.Name(), b.Capacity())
			}
		}
		if len(backends) > 1 && opts.MultiChunkSize > b.Capacity() {
			return nil, fmt.Errorf("backend %q capacity %d is below the multi-backend chunk size %d", b.Name(), b.Capacity(), opts.MultiChunkSize)
		}
	}
	return r, nil
}

// Resolve 根据文件大小选择策略。该函数是纯函数，只依赖构造时的配置。
func (r *Registry) Resolve(size int64) Plan {
	switch {
	case size <= r.opts.SingleLimit:
		return Plan{Strategy: model.StrategySingle, ChunkSize: r.opts.SingleLimit, Backend: r.Default()}
	case len(r.backends) > 1 && size > r.opts.MultiThreshold:
		return Plan{Strategy: model.StrategyChunkedMultiBackend, ChunkSize: r.opts.MultiChunkSize, Backend: r.Default()}
	default:
		return Plan{Strategy: model.StrategyChunkedSingleBackend, ChunkSize: r.opts.ChunkSize, Backend: r.Default()}
	}
}

// BackendFor 返回第 index 个分片应写入的后端。
// 多后端策略下按分片序号轮询，其余情况总是默认后端。
func (r *Registry) BackendFor(plan Plan, index int) storage.Backend {
	if plan.Strategy != model.StrategyChunkedMultiBackend {
		return plan.Backend
	}
	return r.backends[index%len(r.backends)]
}

// Default 返回默认后端。
func (r *Registry) Default() storage.Backend {
	return r.backends[0]
}

// Lookup 按名字查找后端；name 为空时返回默认后端。
func (r *Registry) Lookup(name string) (storage.Backend, bool) {
	if name == "" {
		return r.Default(), true
	}
	b, ok := r.byName[name]
	return b, ok
}

// Backends 返回所有后端的副本。
func (r *Registry) Backends() []storage.Backend {
	return append([]storage.Backend(nil), r.backends...)
}

// Options 返回构造时使用的阈值。
func (r *Registry) Options() Options {
	return r.opts
}
