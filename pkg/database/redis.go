package database

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"tgstate-go/internal/config"
	"tgstate-go/pkg/log"
)

// OpenRedis 创建 Redis 客户端并测试连接。Addr 为空时返回 nil，上层退化为无缓存模式。
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		log.Info("[Redis] 未配置地址，上传进度与 manifest 缓存已禁用")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Redis client connected successfully")
	return rdb, nil
}
