// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tgstate-go/internal/config"
	"tgstate-go/internal/events"
	"tgstate-go/internal/handler"
	"tgstate-go/internal/middleware"
	"tgstate-go/internal/registry"
	"tgstate-go/internal/repository"
	"tgstate-go/internal/service"
	"tgstate-go/pkg/database"
	"tgstate-go/pkg/kafka"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/storage"
	"tgstate-go/pkg/token"
)

// shutdownTimeout 是停机时等待进行中的上传与下载完成的时长。
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. 初始化数据库和 Redis
	db, err := database.OpenDB(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", err)
	}
	rdb, err := database.OpenRedis(rootCtx, cfg.Database.Redis)
	if err != nil {
		log.Fatal("failed to open redis", err)
	}

	// 4. 初始化存储后端与注册表
	pollTimeout := time.Duration(cfg.Sync.PollTimeoutSeconds) * time.Second
	backends, err := storage.NewAll(rootCtx, cfg.Backends(), pollTimeout)
	if err != nil {
		log.Fatal("failed to initialize storage backends", err)
	}
	defer func() {
		for _, b := range backends {
			_ = b.Close()
		}
	}()
	reg, err := registry.New(backends, registry.Options{
		SingleLimit:    cfg.Storage.ChunkSizeBytes,
		ChunkSize:      cfg.Storage.ChunkSizeBytes,
		MultiChunkSize: cfg.Storage.MultiBotChunkSizeBytes,
		MultiThreshold: cfg.Storage.MultiBotThresholdBytes(),
	})
	if err != nil {
		log.Fatal("failed to build backend registry", err)
	}
	log.Infof("已加载 %d 个存储后端，默认后端: %s", len(backends), reg.Default().Name())

	// 5. 初始化 Repository
	fileRepo := repository.NewFileRepository(db)
	progressRepo := repository.NewProgressRepository(rdb)
	manifestCache := repository.NewManifestCache(rdb, time.Duration(cfg.Storage.ManifestCacheMinutes)*time.Minute)

	// 6. 初始化 Service (依赖注入)
	bus := events.NewBus(cfg.Storage.EventBuffer)
	links := service.Links{BaseURL: cfg.Server.BaseURL, FileRoute: cfg.Server.FileRoute}
	uploadService := service.NewUploadService(reg, fileRepo, progressRepo, manifestCache, bus, links, cfg.Storage.CleanupOrphans)
	downloadService := service.NewDownloadService(reg, fileRepo, manifestCache, cfg.Storage.DownloadPrefetch)
	deleteService := service.NewDeleteService(reg, fileRepo, manifestCache, bus)
	fileService := service.NewFileService(fileRepo, progressRepo, links)
	syncService := service.NewSyncService(reg, fileRepo, deleteService, bus, links)

	var background sync.WaitGroup

	// 7. 启动后台任务：频道同步、Kafka 事件转发、初始文件导入
	if cfg.Sync.Enabled {
		sources := make(map[string]storage.UpdateSource)
		if src, ok := reg.Default().(storage.UpdateSource); ok {
			sources[reg.Default().Name()] = src
		}
		if len(sources) == 0 {
			log.Warnf("默认后端 %s 不支持频道同步，已跳过", reg.Default().Name())
		} else {
			background.Add(1)
			go func() {
				defer background.Done()
				syncService.Run(rootCtx, sources)
			}()
		}
	}
	if forwarder := kafka.NewForwarder(cfg.Kafka); forwarder != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			forwarder.Run(rootCtx, bus)
		}()
	}
	if cfg.Storage.SeedDir != "" {
		background.Add(1)
		go func() {
			defer background.Done()
			seedFiles(rootCtx, cfg.Storage.SeedDir, fileService, uploadService)
		}()
	}

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	jwtManager := token.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpireHours)
	authHandler, err := handler.NewAuthHandler(cfg.Auth.Password, jwtManager, strings.HasPrefix(cfg.Server.BaseURL, "https://"))
	if err != nil {
		log.Fatal("failed to initialize auth handler", err)
	}
	eventHandler := handler.NewEventHandler(bus)
	r := handler.NewRouter(handler.Handlers{
		Auth:   authHandler,
		Files:  handler.NewFileHandler(uploadService, downloadService, deleteService, fileService),
		Events: eventHandler,
	}, handler.RouterOptions{
		FileRoute:        cfg.Server.FileRoute,
		Auth:             middleware.AuthMiddleware(jwtManager, authHandler.PasswordSet(), cfg.Auth.APIKey),
		PrivateDownloads: cfg.Auth.PrivateDownloads,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// 停机时先结束事件推送的长连接，普通的上传与下载请求由 Shutdown 等待完成。
	srv.RegisterOnShutdown(eventHandler.Shutdown)

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 请求排空后再停止后台任务
	stop()
	background.Wait()

	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("服务已优雅关闭")
}
