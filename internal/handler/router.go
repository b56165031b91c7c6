package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tgstate-go/internal/middleware"
	"tgstate-go/pkg/metrics"
)

// Handlers 汇总所有控制器。
type Handlers struct {
	Auth   *AuthHandler
	Files  *FileHandler
	Events *EventHandler
}

// RouterOptions 控制路由注册。
type RouterOptions struct {
	// FileRoute 是下载链接的路径前缀，例如 "/d/"。
	FileRoute string
	// Auth 是访问控制中间件。
	Auth gin.HandlerFunc
	// PrivateDownloads 为 true 时下载也需要认证。
	PrivateDownloads bool
}

// NewRouter 创建 Gin 引擎并注册全部路由。
func NewRouter(h Handlers, opts RouterOptions) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())
	// 超过 32MB 的上传写入临时文件，避免整个文件驻留内存。
	r.MaxMultipartMemory = 32 << 20

	authMW := opts.Auth
	if authMW == nil {
		authMW = func(c *gin.Context) { c.Next() }
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		// Auth 路由组
		auth := api.Group("/auth")
		{
			auth.POST("/login", h.Auth.Login)
			auth.POST("/logout", h.Auth.Logout)
			auth.GET("/status", h.Auth.Status)
		}

		// 需要认证的路由
		authed := api.Group("/")
		authed.Use(authMW)
		{
			authed.POST("/upload", h.Files.Upload)
			authed.GET("/files", h.Files.List)
			authed.GET("/files/:fileId", h.Files.Get)
			authed.DELETE("/files/:fileId", h.Files.Delete)
			authed.GET("/uploads/:uploadId", h.Files.Progress)
			authed.GET("/file-updates", h.Events.Stream)
			authed.GET("/file-updates/ws", h.Events.WebSocket)
		}
	}

	// 下载路由：/d/:fileId 与 /d/:fileId/文件名 都可访问
	prefix := "/" + strings.Trim(opts.FileRoute, "/")
	if prefix == "/" {
		prefix = "/d"
	}
	downloads := r.Group(prefix)
	if opts.PrivateDownloads {
		downloads.Use(authMW)
	}
	{
		downloads.GET("/:fileId", h.Files.Download)
		downloads.HEAD("/:fileId", h.Files.Download)
		downloads.GET("/:fileId/*filename", h.Files.Download)
	}
	return r
}
