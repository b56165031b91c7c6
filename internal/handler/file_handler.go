package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tgstate-go/internal/registry"
	"tgstate-go/internal/repository"
	"tgstate-go/internal/service"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/storage"
)

// UploadIDHeader 允许客户端指定上传 ID，以便在上传过程中轮询进度。
const UploadIDHeader = "X-Upload-ID"

// FileHandler 负责文件的上传、列表、下载与删除。
type FileHandler struct {
	uploads   service.UploadService
	downloads service.DownloadService
	deletes   service.DeleteService
	files     service.FileService
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(uploads service.UploadService, downloads service.DownloadService, deletes service.DeleteService, files service.FileService) *FileHandler {
	return &FileHandler{uploads: uploads, downloads: downloads, deletes: deletes, files: files}
}

// Upload 处理 multipart 上传，表单字段为 file。
func (h *FileHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		abort(c, http.StatusBadRequest, "未能获取上传的文件")
		return
	}
	defer file.Close()

	uploadID := c.GetHeader(UploadIDHeader)
	if uploadID == "" {
		uploadID = c.PostForm("upload_id")
	}
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	c.Header(UploadIDHeader, uploadID)

	record, err := h.uploads.Upload(c.Request.Context(), service.UploadRequest{
		UploadID: uploadID,
		Filename: filepath.Base(header.Filename),
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		log.Errorf("[Upload] 上传失败, upload_id: %s, filename: %s, error: %v", uploadID, header.Filename, err)
		abort(c, statusFor(err), "文件上传失败: "+err.Error())
		return
	}

	info := h.files.Describe(record)
	// url 与 file_id 同时放在顶层，兼容 PicGo 等只解析一层 JSON 的客户端。
	c.JSON(http.StatusOK, gin.H{
		"code":      http.StatusOK,
		"message":   "上传成功",
		"data":      info,
		"url":       info.DownloadURL,
		"file_id":   info.CompositeID,
		"upload_id": uploadID,
	})
}

// List 返回所有文件，新上传的在前。
func (h *FileHandler) List(c *gin.Context) {
	files, err := h.files.List(c.Request.Context())
	if err != nil {
		log.Error("[ListFiles] 查询文件列表失败", err)
		abort(c, http.StatusInternalServerError, "服务器内部错误")
		return
	}
	respond(c, http.StatusOK, "success", files)
}

// Get 返回单个文件的信息。
func (h *FileHandler) Get(c *gin.Context) {
	info, err := h.files.Get(c.Request.Context(), c.Param("fileId"))
	if err != nil {
		abort(c, statusFor(err), err.Error())
		return
	}
	respond(c, http.StatusOK, "success", info)
}

// Delete 删除文件的所有远端消息与记录。重复删除返回成功。
func (h *FileHandler) Delete(c *gin.Context) {
	fileID := c.Param("fileId")
	result, err := h.deletes.Delete(c.Request.Context(), fileID)
	switch {
	case err == nil:
		respond(c, http.StatusOK, "删除成功", result)
	case errors.Is(err, service.ErrPartialDelete):
		// 锚点与记录已删除，只是部分分片残留在远端。
		log.Warnf("[DeleteFile] 部分分片删除失败, file_id: %s, error: %v", fileID, err)
		respond(c, http.StatusMultiStatus, err.Error(), result)
	case result != nil:
		log.Errorf("[DeleteFile] 删除失败, file_id: %s, error: %v", fileID, err)
		c.AbortWithStatusJSON(statusFor(err), gin.H{"code": statusFor(err), "message": "删除失败: " + err.Error(), "data": result})
	default:
		log.Errorf("[DeleteFile] 删除失败, file_id: %s, error: %v", fileID, err)
		abort(c, statusFor(err), "删除失败: "+err.Error())
	}
}

// Progress 返回上传进度。
func (h *FileHandler) Progress(c *gin.Context) {
	progress, err := h.files.Progress(c.Request.Context(), c.Param("uploadId"))
	if err != nil {
		abort(c, statusFor(err), err.Error())
		return
	}
	respond(c, http.StatusOK, "success", gin.H{
		"progress": progress,
		"percent":  progress.Percent(),
	})
}

// Download 以流的形式返回文件内容。
// Content-Length 总是声明完整大小，传输中途失败时客户端会看到被截断的响应而不是“完整”的文件。
func (h *FileHandler) Download(c *gin.Context) {
	fileID := c.Param("fileId")

	// HEAD 只需要元数据，不触碰远端消息。
	if c.Request.Method == http.MethodHead {
		info, err := h.files.Get(c.Request.Context(), fileID)
		if err != nil {
			c.AbortWithStatus(statusFor(err))
			return
		}
		writeFileHeaders(c, info.Filename, info.Size)
		c.Status(http.StatusOK)
		return
	}

	d, err := h.downloads.Open(c.Request.Context(), fileID)
	if err != nil {
		if status := statusFor(err); status != http.StatusNotFound {
			log.Errorf("[Download] 打开文件失败, file_id: %s, error: %v", fileID, err)
		}
		abort(c, statusFor(err), "文件不存在或无法读取")
		return
	}
	defer d.Body.Close()

	writeFileHeaders(c, d.Record.Filename, d.Record.Size)
	c.Status(http.StatusOK)
	written, err := io.Copy(c.Writer, d.Body)
	if err != nil {
		log.Errorf("[Download] 传输中断, file_id: %s, 已发送: %d/%d, error: %v", fileID, written, d.Record.Size, err)
		c.Abort()
		return
	}
	log.Infof("[Download] 完成, file_id: %s, bytes: %d", fileID, written)
}

func writeFileHeaders(c *gin.Context, name string, size int64) {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Header("Content-Disposition", contentDisposition(name, contentType))
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
}

// contentDisposition 让浏览器直接预览媒体与文本，其余类型作为附件下载。
func contentDisposition(name, contentType string) string {
	disposition := "attachment"
	switch {
	case strings.HasPrefix(contentType, "image/"),
		strings.HasPrefix(contentType, "video/"),
		strings.HasPrefix(contentType, "audio/"),
		strings.HasPrefix(contentType, "text/"),
		contentType == "application/pdf":
		disposition = "inline"
	}
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": name}); v != "" {
		return v
	}
	return disposition
}

// statusFor 把业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrFileNotFound),
		errors.Is(err, service.ErrChunkNotFound),
		errors.Is(err, repository.ErrUploadNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyFile),
		errors.Is(err, service.ErrSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, registry.ErrNoBackendConfigured),
		errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrChunkUploadFailed),
		errors.Is(err, service.ErrChunkCorrupt),
		errors.Is(err, service.ErrPartialDelete):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
