// Package config 负责加载和管理应用程序的配置。
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

const (
	BackendTelegram = "telegram"
	BackendMinIO    = "minio"
	BackendMemory   = "memory"

	// DefaultChunkSizeBytes 保证单条消息不超过 Telegram getFile 的 20MB 下载上限。
	DefaultChunkSizeBytes = int64(19.5 * 1024 * 1024)
	// DefaultMultiBotChunkSizeBytes 多后端分片时使用更小的分片。
	DefaultMultiBotChunkSizeBytes = int64(8 * 1024 * 1024)
	// minMultiBotChunkSizeBytes 多后端分片大小的下限。
	minMultiBotChunkSizeBytes = int64(2 * 1024 * 1024)
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sync     SyncConfig     `mapstructure:"sync"`

	// Primary 是默认后端，manifest 与单消息文件总是写入这里。
	Primary BackendConfig `mapstructure:"primary"`
	// Extra 是额外的后端，仅在多后端分片时参与分发。
	Extra []BackendConfig `mapstructure:"extra_backends"`
	// ExtraBotsJSON 兼容旧部署的 EXTRA_BOTS 环境变量（JSON 数组）。
	ExtraBotsJSON string `mapstructure:"extra_bots_json"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port      string `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`
	BaseURL   string `mapstructure:"base_url"`
	FileRoute string `mapstructure:"file_route"`
}

// DatabaseConfig 存储元数据库与 Redis 的配置。
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"` // "sqlite" 或 "mysql"
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用 Redis。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// AuthConfig 存储访问控制相关的配置。Password 为空时为公开模式。
type AuthConfig struct {
	Password         string `mapstructure:"password"`
	APIKey           string `mapstructure:"api_key"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
	PrivateDownloads bool   `mapstructure:"private_downloads"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不转发事件。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// StorageConfig 存储分片与重建相关的配置。
type StorageConfig struct {
	ChunkSizeBytes         int64 `mapstructure:"chunk_size_bytes"`
	MultiBotChunkSizeBytes int64 `mapstructure:"multibot_chunk_size_bytes"`
	MultiBotThresholdMB    int64 `mapstructure:"multibot_threshold_mb"`
	DownloadPrefetch       int   `mapstructure:"download_prefetch"`
	CleanupOrphans         bool  `mapstructure:"cleanup_orphans"`
	ManifestCacheMinutes   int   `mapstructure:"manifest_cache_minutes"`
	EventBuffer            int   `mapstructure:"event_buffer"`
	// SeedDir 非空时，启动后把目录中尚未记录的文件导入存储。
	SeedDir string `mapstructure:"seed_dir"`
}

// MultiBotThresholdBytes 返回启用多后端分片的阈值（字节）。
func (s StorageConfig) MultiBotThresholdBytes() int64 {
	mb := s.MultiBotThresholdMB
	if mb < 1 {
		mb = 1
	}
	return mb * 1024 * 1024
}

// SyncConfig 控制频道消息同步。
type SyncConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	PollTimeoutSeconds int  `mapstructure:"poll_timeout_seconds"`
}

// BackendConfig 描述一个存储后端：一组凭据加一个目标频道。
type BackendConfig struct {
	Name          string `mapstructure:"name" json:"name"`
	Type          string `mapstructure:"type" json:"type"`
	CapacityBytes int64  `mapstructure:"capacity_bytes" json:"capacity_bytes"`

	// telegram
	Token       string `mapstructure:"token" json:"token"`
	ChannelName string `mapstructure:"channel_name" json:"channel_name"`
	APIBaseURL  string `mapstructure:"api_base_url" json:"api_base_url"`

	// minio
	Endpoint        string `mapstructure:"endpoint" json:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl" json:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name" json:"bucket_name"`
}

// Backends 返回所有后端配置，第一个总是主后端。
func (c *Config) Backends() []BackendConfig {
	if c.Primary.Type == "" && c.Primary.Token == "" && c.Primary.Endpoint == "" {
		return nil
	}
	primary := c.Primary
	if primary.Name == "" {
		primary.Name = "default"
	}
	if primary.Type == "" {
		primary.Type = BackendTelegram
	}
	backends := []BackendConfig{primary}
	for _, b := range c.Extra {
		if b.Type == "" {
			b.Type = BackendTelegram
		}
		backends = append(backends, b)
	}
	return backends
}

// Validate 校验配置的完整性。
func (c *Config) Validate() error {
	backends := c.Backends()
	if len(backends) == 0 {
		return errors.New("at least one storage backend must be configured")
	}
	seen := make(map[string]struct{}, len(backends))
	for i, b := range backends {
		if b.Name == "" {
			return fmt.Errorf("backend #%d has no name", i)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}
		switch b.Type {
		case BackendTelegram:
			if b.Token == "" || b.ChannelName == "" {
				return fmt.Errorf("telegram backend %q requires token and channel_name", b.Name)
			}
		case BackendMinIO:
			if b.Endpoint == "" || b.BucketName == "" {
				return fmt.Errorf("minio backend %q requires endpoint and bucket_name", b.Name)
			}
		case BackendMemory:
		default:
			return fmt.Errorf("backend %q has unknown type %q", b.Name, b.Type)
		}
	}
	if c.Storage.ChunkSizeBytes <= 0 || c.Storage.MultiBotChunkSizeBytes <= 0 {
		return errors.New("chunk sizes must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

// Load 从指定路径读取 YAML 配置，叠加环境变量后解析并校验。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindLegacyEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}

	extra, err := parseExtraBots(cfg.ExtraBotsJSON)
	if err != nil {
		return nil, err
	}
	cfg.Extra = append(cfg.Extra, extra...)

	if cfg.Storage.MultiBotChunkSizeBytes < minMultiBotChunkSizeBytes {
		cfg.Storage.MultiBotChunkSizeBytes = minMultiBotChunkSizeBytes
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Init 初始化配置加载，结果写入全局 Conf 变量。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.base_url", "http://127.0.0.1:8000")
	v.SetDefault("server.file_route", "/d/")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file_metadata.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.token_expire_hours", 24*7)
	v.SetDefault("kafka.topic", "tgstate.file-events")
	v.SetDefault("storage.chunk_size_bytes", DefaultChunkSizeBytes)
	v.SetDefault("storage.multibot_chunk_size_bytes", DefaultMultiBotChunkSizeBytes)
	v.SetDefault("storage.multibot_threshold_mb", 10)
	v.SetDefault("storage.download_prefetch", 2)
	v.SetDefault("storage.cleanup_orphans", true)
	v.SetDefault("storage.manifest_cache_minutes", 60)
	v.SetDefault("storage.event_buffer", 64)
	v.SetDefault("sync.poll_timeout_seconds", 30)
}

// bindLegacyEnv 让旧版的环境变量名继续生效。
func bindLegacyEnv(v *viper.Viper) {
	bindings := map[string]string{
		"primary.token":                "BOT_TOKEN",
		"primary.channel_name":         "CHANNEL_NAME",
		"extra_bots_json":              "EXTRA_BOTS",
		"server.base_url":              "BASE_URL",
		"server.file_route":            "FILE_ROUTE",
		"auth.password":                "PASS_WORD",
		"auth.api_key":                 "PICGO_API_KEY",
		"storage.multibot_threshold_mb": "MULTIBOT_THRESHOLD_MB",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

// parseExtraBots 解析 EXTRA_BOTS，例如:
// [{"name": "bot_b", "token": "123:ABC", "channel_name": "@my_channel_b"}]
func parseExtraBots(raw string) ([]BackendConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var entries []BackendConfig
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("EXTRA_BOTS is not a valid JSON array: %w", err)
	}
	for i := range entries {
		if entries[i].Type == "" {
			entries[i].Type = BackendTelegram
		}
	}
	return entries, nil
}
