package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/internal/config"
)

// fakeBotAPI 模拟 Bot API 中本后端用到的方法。
type fakeBotAPI struct {
	t       *testing.T
	mu      sync.Mutex
	nextID  int64
	files   map[string][]byte // file_id -> content
	byMsg   map[int64]string  // message_id -> file_id
	caption map[int64]string
	replyTo map[int64]string
	texts   []sentText
	updates []tgUpdate
}

type sentText struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id"`
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	f := &fakeBotAPI{
		t:       t,
		nextID:  100,
		files:   map[string][]byte{},
		byMsg:   map[int64]string{},
		caption: map[int64]string{},
		replyTo: map[int64]string{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBotAPI) reply(w http.ResponseWriter, result interface{}) {
	data, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(apiResponse{OK: true, Result: data})
}

func (f *fakeBotAPI) fail(w http.ResponseWriter, code int, desc string) {
	_ = json.NewEncoder(w).Encode(apiResponse{OK: false, ErrorCode: code, Description: desc})
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(r.URL.Path, "/file/botTOKEN/") {
		fileID := strings.TrimPrefix(r.URL.Path, "/file/botTOKEN/files/")
		data, ok := f.files[fileID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
		return
	}

	method := strings.TrimPrefix(r.URL.Path, "/botTOKEN/")
	switch method {
	case "sendDocument":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			f.fail(w, 400, "Bad Request: "+err.Error())
			return
		}
		assert.Equal(f.t, "@chan", r.FormValue("chat_id"))
		file, header, err := r.FormFile("document")
		if err != nil {
			f.fail(w, 400, "Bad Request: there is no document in the request")
			return
		}
		data, _ := io.ReadAll(file)
		f.nextID++
		fileID := "F" + header.Filename
		f.files[fileID] = data
		f.byMsg[f.nextID] = fileID
		f.caption[f.nextID] = r.FormValue("caption")
		f.replyTo[f.nextID] = r.FormValue("reply_to_message_id")
		f.reply(w, tgMessage{MessageID: f.nextID, Document: &tgDocument{FileID: fileID, FileName: header.Filename, FileSize: int64(len(data))}})
	case "editMessageCaption":
		var body struct {
			MessageID int64  `json:"message_id"`
			Caption   string `json:"caption"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := f.byMsg[body.MessageID]; !ok {
			f.fail(w, 400, "Bad Request: message to edit not found")
			return
		}
		f.caption[body.MessageID] = body.Caption
		f.reply(w, true)
	case "getFile":
		var body struct {
			FileID string `json:"file_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := f.files[body.FileID]; !ok {
			f.fail(w, 400, "Bad Request: wrong file_id or the file is temporarily unavailable")
			return
		}
		f.reply(w, tgFile{FilePath: "files/" + body.FileID})
	case "deleteMessage":
		var body struct {
			MessageID int64 `json:"message_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		fileID, ok := f.byMsg[body.MessageID]
		if !ok {
			f.fail(w, 400, "Bad Request: message to delete not found")
			return
		}
		delete(f.byMsg, body.MessageID)
		delete(f.files, fileID)
		f.reply(w, true)
	case "sendMessage":
		var body sentText
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		f.texts = append(f.texts, body)
		f.reply(w, tgMessage{MessageID: f.nextID, Text: body.Text})
	case "getUpdates":
		updates := f.updates
		f.updates = nil
		if updates == nil {
			updates = []tgUpdate{}
		}
		f.reply(w, updates)
	default:
		f.fail(w, 404, "Not Found: method not found")
	}
}

func (f *fakeBotAPI) captionOf(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caption[id]
}

func (f *fakeBotAPI) replyToOf(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replyTo[id]
}

func (f *fakeBotAPI) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *fakeBotAPI) queue(updates ...tgUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updates...)
}

func newTestTelegram(srv *httptest.Server) *TelegramBackend {
	return NewTelegramBackend(config.BackendConfig{
		Name:        "main",
		Token:       "TOKEN",
		ChannelName: "@chan",
		APIBaseURL:  srv.URL,
	}, time.Second)
}

func TestTelegramBackend_SendOpenDelete(t *testing.T) {
	api, srv := newFakeBotAPI(t)
	tg := newTestTelegram(srv)
	ctx := context.Background()

	ref, err := tg.Send(ctx, Document{Name: "a.bin", Caption: "hello", Body: bytes.NewReader([]byte("payload")), Size: 7, ReplyTo: 55})
	require.NoError(t, err)
	assert.Equal(t, "Fa.bin", ref.FileID)
	assert.Equal(t, "hello", api.captionOf(ref.MessageID))
	assert.Equal(t, "55", api.replyToOf(ref.MessageID))

	require.NoError(t, tg.EditCaption(ctx, ref.MessageID, "edited"))
	assert.Equal(t, "edited", api.captionOf(ref.MessageID))

	rc, err := tg.Open(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, tg.Delete(ctx, ref))
	err = tg.Delete(ctx, ref)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = tg.Open(ctx, ref)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestTelegramBackend_SendTooLarge(t *testing.T) {
	_, srv := newFakeBotAPI(t)
	tg := newTestTelegram(srv)
	_, err := tg.Send(context.Background(), Document{Name: "big", Body: bytes.NewReader(nil), Size: defaultTelegramCapacity + 1})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestTelegramBackend_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5"}`))
	}))
	tg := newTestTelegram(srv)

	err := tg.Delete(context.Background(), MessageRef{MessageID: 1, FileID: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)

	srv.Close()
	_, err = tg.Send(context.Background(), Document{Name: "a", Body: bytes.NewReader([]byte("x")), Size: 1})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTelegramBackend_Updates(t *testing.T) {
	api, srv := newFakeBotAPI(t)
	tg := newTestTelegram(srv)

	chat := tgChat{ID: -100, Username: "chan"}
	api.queue(
		tgUpdate{UpdateID: 1, ChannelPost: &tgMessage{MessageID: 7, Date: 1700000000, Chat: chat, Document: &tgDocument{FileID: "d7", FileName: "doc.pdf", FileSize: 10}}},
		tgUpdate{UpdateID: 2, ChannelPost: &tgMessage{MessageID: 8, Chat: tgChat{ID: -200, Username: "other"}, Document: &tgDocument{FileID: "d8", FileName: "x"}}},
		tgUpdate{UpdateID: 3, ChannelPost: &tgMessage{MessageID: 9, Chat: chat, Text: "just text"}},
		tgUpdate{UpdateID: 4, EditedChannelPost: &tgMessage{MessageID: 7, Chat: chat}},
		tgUpdate{UpdateID: 5, EditedChannelPost: &tgMessage{MessageID: 7, Chat: chat, Caption: "new caption", Document: &tgDocument{FileID: "d7"}}},
		tgUpdate{UpdateID: 6, Message: &tgMessage{MessageID: 10, Chat: chat, From: &tgUser{ID: 1, IsBot: true}, Photo: []tgPhotoSize{{FileID: "small", FileSize: 1}, {FileID: "large", FileSize: 5}}}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := tg.Updates(ctx)

	var got []Update
	for len(got) < 3 {
		select {
		case u := <-ch:
			got = append(got, u)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d updates", len(got))
		}
	}

	assert.Equal(t, UpdatePosted, got[0].Kind)
	assert.Equal(t, "main", got[0].Backend)
	assert.Equal(t, MessageRef{MessageID: 7, FileID: "d7"}, got[0].Ref)
	assert.Equal(t, "doc.pdf", got[0].FileName)
	assert.EqualValues(t, 10, got[0].Size)
	assert.False(t, got[0].FromBot)

	assert.Equal(t, UpdateRemoved, got[1].Kind)
	assert.EqualValues(t, 7, got[1].Ref.MessageID)

	assert.Equal(t, UpdatePosted, got[2].Kind)
	assert.Equal(t, "large", got[2].Ref.FileID)
	assert.Equal(t, "photo_10.jpg", got[2].FileName)
	assert.True(t, got[2].FromBot)

	cancel()
	for range ch {
	}
}

func TestTelegramBackend_LinkRequestAndReply(t *testing.T) {
	api, srv := newFakeBotAPI(t)
	tg := newTestTelegram(srv)

	chat := tgChat{ID: -100, Username: "chan"}
	doc := &tgMessage{MessageID: 20, Chat: chat, Document: &tgDocument{FileID: "d20", FileName: "movie.mkv.manifest"}}
	photo := &tgMessage{MessageID: 21, Chat: chat, Photo: []tgPhotoSize{{FileID: "p-small"}, {FileID: "p-large"}}}
	api.queue(
		tgUpdate{UpdateID: 1, ChannelPost: &tgMessage{MessageID: 30, Chat: chat, Text: "hello", ReplyTo: doc}},
		tgUpdate{UpdateID: 2, ChannelPost: &tgMessage{MessageID: 31, Chat: chat, Text: "get"}},
		tgUpdate{UpdateID: 3, ChannelPost: &tgMessage{MessageID: 32, Chat: chat, Text: "get", ReplyTo: &tgMessage{MessageID: 9, Chat: chat, Text: "plain"}}},
		tgUpdate{UpdateID: 4, ChannelPost: &tgMessage{MessageID: 33, Chat: chat, Text: " GET ", ReplyTo: doc}},
		tgUpdate{UpdateID: 5, Message: &tgMessage{MessageID: 34, Chat: chat, Text: "get", ReplyTo: photo}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := tg.Updates(ctx)

	var got []Update
	for len(got) < 2 {
		select {
		case u := <-ch:
			got = append(got, u)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d updates", len(got))
		}
	}
	assert.Equal(t, UpdateLinkRequest, got[0].Kind)
	assert.EqualValues(t, 33, got[0].Ref.MessageID)
	assert.Equal(t, MessageRef{MessageID: 20, FileID: "d20"}, got[0].ReplyTo)
	assert.Equal(t, "movie.mkv.manifest", got[0].ReplyFileName)

	assert.Equal(t, UpdateLinkRequest, got[1].Kind)
	assert.Equal(t, MessageRef{MessageID: 21, FileID: "p-large"}, got[1].ReplyTo)
	assert.Equal(t, "photo_21.jpg", got[1].ReplyFileName)
	cancel()
	for range ch {
	}

	require.NoError(t, tg.Reply(context.Background(), 33, "link"))
	texts := api.sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, sentText{ChatID: "@chan", Text: "link", ReplyToMessageID: 33}, texts[0])
}

func TestOwnsChat_NumericChannel(t *testing.T) {
	tg := NewTelegramBackend(config.BackendConfig{Name: "n", ChannelName: "-100123"}, 0)
	assert.True(t, tg.ownsChat(tgChat{ID: -100123}))
	assert.False(t, tg.ownsChat(tgChat{ID: -100124}))
}

func TestClassifyAPIError(t *testing.T) {
	assert.ErrorIs(t, classifyAPIError("deleteMessage", "b", 400, "Bad Request: message to delete not found"), ErrMessageNotFound)
	assert.ErrorIs(t, classifyAPIError("sendDocument", "b", 413, "Request Entity Too Large"), ErrPayloadTooLarge)
	assert.ErrorIs(t, classifyAPIError("getFile", "b", 400, "Bad Request: file is too big"), ErrPayloadTooLarge)
	assert.ErrorIs(t, classifyAPIError("sendDocument", "b", 401, "Unauthorized"), ErrUnavailable)
	assert.ErrorIs(t, classifyAPIError("sendDocument", "b", 502, "Bad Gateway"), ErrUnavailable)

	err := classifyAPIError("sendDocument", "b", 400, "Bad Request: chat not accessible")
	assert.NotErrorIs(t, err, ErrUnavailable)
}
