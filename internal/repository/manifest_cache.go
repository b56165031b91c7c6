package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"tgstate-go/internal/manifest"
)

// ManifestCache 缓存已解析的清单，避免每次下载都从远端读取锚点消息。
type ManifestCache interface {
	// Get 返回缓存的清单；未命中时返回 (nil, nil)。
	Get(ctx context.Context, compositeID string) (*manifest.Manifest, error)
	Set(ctx context.Context, compositeID string, m *manifest.Manifest) error
	Delete(ctx context.Context, compositeID string) error
}

type manifestCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewManifestCache 创建一个 Redis 清单缓存。redisClient 为 nil 或 ttl <= 0 时返回空实现。
func NewManifestCache(redisClient *redis.Client, ttl time.Duration) ManifestCache {
	if redisClient == nil || ttl <= 0 {
		return noopManifestCache{}
	}
	return &manifestCache{redisClient: redisClient, ttl: ttl}
}

func manifestKey(compositeID string) string { return "manifest:" + compositeID }

func (c *manifestCache) Get(ctx context.Context, compositeID string) (*manifest.Manifest, error) {
	data, err := c.redisClient.Get(ctx, manifestKey(compositeID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// 缓存内容损坏时当作未命中，并清除该键。
		_ = c.redisClient.Del(ctx, manifestKey(compositeID)).Err()
		return nil, nil
	}
	return &m, nil
}

func (c *manifestCache) Set(ctx context.Context, compositeID string, m *manifest.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.redisClient.Set(ctx, manifestKey(compositeID), data, c.ttl).Err()
}

func (c *manifestCache) Delete(ctx context.Context, compositeID string) error {
	return c.redisClient.Del(ctx, manifestKey(compositeID)).Err()
}

type noopManifestCache struct{}

func (noopManifestCache) Get(context.Context, string) (*manifest.Manifest, error) { return nil, nil }
func (noopManifestCache) Set(context.Context, string, *manifest.Manifest) error   { return nil }
func (noopManifestCache) Delete(context.Context, string) error                    { return nil }
