package storage

import (
	"context"
	"fmt"
	"time"

	"tgstate-go/internal/config"
)

// defaultTelegramCapacity 对应 Bot API getFile 的 20MB 下载上限。
const defaultTelegramCapacity = 20 * 1024 * 1024

// New 根据配置创建一个后端。
func New(ctx context.Context, cfg config.BackendConfig, pollTimeout time.Duration) (Backend, error) {
	switch cfg.Type {
	case config.BackendTelegram, "":
		return NewTelegramBackend(cfg, pollTimeout), nil
	case config.BackendMinIO:
		return NewMinIOBackend(ctx, cfg)
	case config.BackendMemory:
		return NewMemoryBackend(cfg.Name, cfg.CapacityBytes), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// NewAll 依次创建所有后端；任何一个失败都会关闭已创建的后端。
func NewAll(ctx context.Context, cfgs []config.BackendConfig, pollTimeout time.Duration) ([]Backend, error) {
	backends := make([]Backend, 0, len(cfgs))
	for _, c := range cfgs {
		b, err := New(ctx, c, pollTimeout)
		if err != nil {
			for _, created := range backends {
				_ = created.Close()
			}
			return nil, fmt.Errorf("backend %q: %w", c.Name, err)
		}
		backends = append(backends, b)
	}
	return backends, nil
}
