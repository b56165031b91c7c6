package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tgstate-go/internal/config"
	"tgstate-go/pkg/log"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramBackend 通过 Telegram Bot API 把频道当作对象存储使用。
type TelegramBackend struct {
	name        string
	token       string
	channel     string
	apiBase     string
	capacity    int64
	pollTimeout time.Duration
	httpClient  *http.Client
}

// NewTelegramBackend 创建一个 Telegram 后端。
func NewTelegramBackend(cfg config.BackendConfig, pollTimeout time.Duration) *TelegramBackend {
	apiBase := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	capacity := cfg.CapacityBytes
	if capacity <= 0 {
		capacity = defaultTelegramCapacity
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &TelegramBackend{
		name:        cfg.Name,
		token:       cfg.Token,
		channel:     cfg.ChannelName,
		apiBase:     apiBase,
		capacity:    capacity,
		pollTimeout: pollTimeout,
		// 传输大文件时不设置整体超时，由调用方的 ctx 控制。
		httpClient: &http.Client{},
	}
}

func (t *TelegramBackend) Name() string    { return t.name }
func (t *TelegramBackend) Channel() string { return t.channel }
func (t *TelegramBackend) Capacity() int64 { return t.capacity }
func (t *TelegramBackend) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type tgPhotoSize struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
}

type tgUser struct {
	ID    int64 `json:"id"`
	IsBot bool  `json:"is_bot"`
}

type tgChat struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type tgMessage struct {
	MessageID int64         `json:"message_id"`
	Date      int64         `json:"date"`
	Chat      tgChat        `json:"chat"`
	From      *tgUser       `json:"from"`
	Text      string        `json:"text"`
	Caption   string        `json:"caption"`
	Document  *tgDocument   `json:"document"`
	Photo     []tgPhotoSize `json:"photo"`
	ReplyTo   *tgMessage    `json:"reply_to_message"`
}

type tgUpdate struct {
	UpdateID          int64      `json:"update_id"`
	Message           *tgMessage `json:"message"`
	ChannelPost       *tgMessage `json:"channel_post"`
	EditedMessage     *tgMessage `json:"edited_message"`
	EditedChannelPost *tgMessage `json:"edited_channel_post"`
}

type tgFile struct {
	FilePath string `json:"file_path"`
}

func (t *TelegramBackend) methodURL(method string) string {
	return t.apiBase + "/bot" + t.token + "/" + method
}

// call 调用一个 Bot API 方法并把 result 解析到 out。
func (t *TelegramBackend) call(ctx context.Context, method, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL(method), body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: telegram %s on %s: %v", ErrUnavailable, method, t.name, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("%w: telegram %s on %s: decode response (HTTP %d): %v", ErrUnavailable, method, t.name, resp.StatusCode, err)
	}
	if !apiResp.OK {
		return classifyAPIError(method, t.name, apiResp.ErrorCode, apiResp.Description)
	}
	if out != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (t *TelegramBackend) callJSON(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return t.call(ctx, method, "application/json", bytes.NewReader(body), out)
}

// classifyAPIError 把 Bot API 的错误映射为存储层错误。
func classifyAPIError(method, backend string, code int, description string) error {
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "not found"), strings.Contains(desc, "wrong file_id"), strings.Contains(desc, "invalid file_id"):
		return fmt.Errorf("%w: telegram %s on %s: %s", ErrMessageNotFound, method, backend, description)
	case strings.Contains(desc, "too big"), code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: telegram %s on %s: %s", ErrPayloadTooLarge, method, backend, description)
	case code == http.StatusTooManyRequests, code == http.StatusUnauthorized, code == http.StatusForbidden, code >= 500:
		return fmt.Errorf("%w: telegram %s on %s: [%d] %s", ErrUnavailable, method, backend, code, description)
	default:
		return fmt.Errorf("telegram %s on %s failed: [%d] %s", method, backend, code, description)
	}
}

// Send 以 multipart 流式上传文档，不在内存中组装整个请求体。
func (t *TelegramBackend) Send(ctx context.Context, doc Document) (MessageRef, error) {
	if doc.Size > t.capacity {
		return MessageRef{}, ErrPayloadTooLarge
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(t.writeDocumentForm(mw, doc))
	}()

	var msg tgMessage
	err := t.call(ctx, "sendDocument", mw.FormDataContentType(), pr, &msg)
	_ = pr.Close()
	if err != nil {
		return MessageRef{}, err
	}
	if msg.Document == nil {
		return MessageRef{}, fmt.Errorf("telegram sendDocument on %s: response carries no document", t.name)
	}
	return MessageRef{MessageID: msg.MessageID, FileID: msg.Document.FileID}, nil
}

func (t *TelegramBackend) writeDocumentForm(mw *multipart.Writer, doc Document) error {
	if err := mw.WriteField("chat_id", t.channel); err != nil {
		return err
	}
	if doc.Caption != "" {
		if err := mw.WriteField("caption", doc.Caption); err != nil {
			return err
		}
	}
	if doc.ReplyTo != 0 {
		if err := mw.WriteField("reply_to_message_id", strconv.FormatInt(doc.ReplyTo, 10)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("document", doc.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, doc.Body); err != nil {
		return err
	}
	return mw.Close()
}

func (t *TelegramBackend) EditCaption(ctx context.Context, messageID int64, caption string) error {
	return t.callJSON(ctx, "editMessageCaption", map[string]interface{}{
		"chat_id":    t.channel,
		"message_id": messageID,
		"caption":    caption,
	}, nil)
}

// Reply 用 sendMessage 回复频道中的一条消息。
func (t *TelegramBackend) Reply(ctx context.Context, messageID int64, text string) error {
	return t.callJSON(ctx, "sendMessage", map[string]interface{}{
		"chat_id":             t.channel,
		"text":                text,
		"reply_to_message_id": messageID,
	}, nil)
}

// Open 先通过 getFile 取得 file_path，再下载文件内容。
func (t *TelegramBackend) Open(ctx context.Context, ref MessageRef) (io.ReadCloser, error) {
	var file tgFile
	if err := t.callJSON(ctx, "getFile", map[string]string{"file_id": ref.FileID}, &file); err != nil {
		return nil, err
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("%w: telegram getFile on %s returned no file_path", ErrMessageNotFound, t.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBase+"/file/bot"+t.token+"/"+file.FilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: telegram download on %s: %v", ErrUnavailable, t.name, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: telegram download on %s", ErrMessageNotFound, t.name)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: telegram download on %s: [%d] %s", ErrUnavailable, t.name, resp.StatusCode, string(body))
	}
}

func (t *TelegramBackend) Delete(ctx context.Context, ref MessageRef) error {
	return t.callJSON(ctx, "deleteMessage", map[string]interface{}{
		"chat_id":    t.channel,
		"message_id": ref.MessageID,
	}, nil)
}

// Updates 通过 getUpdates 长轮询拉取频道变化。
func (t *TelegramBackend) Updates(ctx context.Context) <-chan Update {
	out := make(chan Update, 16)
	go func() {
		defer close(out)
		var offset int64
		for {
			var updates []tgUpdate
			err := t.callJSON(ctx, "getUpdates", map[string]interface{}{
				"offset":          offset,
				"timeout":         int(t.pollTimeout / time.Second),
				"allowed_updates": []string{"message", "channel_post", "edited_message", "edited_channel_post"},
			}, &updates)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warnf("[TelegramUpdates] 后端 %s 拉取更新失败: %v", t.name, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(3 * time.Second):
				}
				continue
			}

			for _, u := range updates {
				offset = u.UpdateID + 1
				upd, ok := t.translate(u)
				if !ok {
					continue
				}
				select {
				case out <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// translate 把 Bot API 的 update 转换为存储层的 Update，忽略其他频道的消息。
func (t *TelegramBackend) translate(u tgUpdate) (Update, bool) {
	if msg := firstMessage(u.ChannelPost, u.Message); msg != nil {
		if !t.ownsChat(msg.Chat) {
			return Update{}, false
		}
		upd := Update{
			Kind:    UpdatePosted,
			Backend: t.name,
			FromBot: msg.From != nil && msg.From.IsBot,
			Date:    time.Unix(msg.Date, 0),
		}
		if strings.EqualFold(strings.TrimSpace(msg.Text), "get") && msg.ReplyTo != nil {
			ref, name, _, ok := messageFile(msg.ReplyTo)
			if !ok {
				return Update{}, false
			}
			upd.Kind = UpdateLinkRequest
			upd.Ref = MessageRef{MessageID: msg.MessageID}
			upd.ReplyTo = ref
			upd.ReplyFileName = name
			return upd, true
		}
		ref, name, size, ok := messageFile(msg)
		if !ok {
			return Update{}, false
		}
		upd.Ref, upd.FileName, upd.Size = ref, name, size
		return upd, true
	}

	if msg := firstMessage(u.EditedChannelPost, u.EditedMessage); msg != nil {
		if !t.ownsChat(msg.Chat) {
			return Update{}, false
		}
		// 客户端把“删除”表现为内容被清空的编辑。
		if msg.Text == "" && msg.Caption == "" && msg.Document == nil && len(msg.Photo) == 0 {
			return Update{
				Kind:    UpdateRemoved,
				Backend: t.name,
				Ref:     MessageRef{MessageID: msg.MessageID},
				Date:    time.Unix(msg.Date, 0),
			}, true
		}
	}
	return Update{}, false
}

// messageFile 提取消息中的文件；图片取最大的一张并以 photo_<message_id>.jpg 命名。
func messageFile(msg *tgMessage) (MessageRef, string, int64, bool) {
	switch {
	case msg.Document != nil:
		return MessageRef{MessageID: msg.MessageID, FileID: msg.Document.FileID}, msg.Document.FileName, msg.Document.FileSize, true
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return MessageRef{MessageID: msg.MessageID, FileID: largest.FileID}, fmt.Sprintf("photo_%d.jpg", msg.MessageID), largest.FileSize, true
	default:
		return MessageRef{}, "", 0, false
	}
}

func (t *TelegramBackend) ownsChat(chat tgChat) bool {
	if strings.HasPrefix(t.channel, "@") {
		return strings.EqualFold(strings.TrimPrefix(t.channel, "@"), chat.Username)
	}
	return t.channel == strconv.FormatInt(chat.ID, 10)
}

func firstMessage(msgs ...*tgMessage) *tgMessage {
	for _, m := range msgs {
		if m != nil {
			return m
		}
	}
	return nil
}

// IsNotFound 判断错误是否表示远端消息不存在。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}
