package handler

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tgstate-go/internal/events"
	"tgstate-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

const (
	heartbeatInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// EventHandler 把事件总线上的文件变化推送给浏览器。
type EventHandler struct {
	bus       *events.Bus
	heartbeat time.Duration
	done      chan struct{}
	once      sync.Once
}

// NewEventHandler 创建一个新的 EventHandler 实例。
func NewEventHandler(bus *events.Bus) *EventHandler {
	return &EventHandler{bus: bus, heartbeat: heartbeatInterval, done: make(chan struct{})}
}

// Shutdown 结束所有 SSE 与 WebSocket 推送，之后建立的连接会立即返回。
// 通过 http.Server.RegisterOnShutdown 注册，使 Shutdown 不必等待这些长连接超时。
func (h *EventHandler) Shutdown() {
	h.once.Do(func() { close(h.done) })
}

// Stream 以 Server-Sent Events 推送事件，每条 data 是一个 JSON 事件。
func (h *EventHandler) Stream(c *gin.Context) {
	sub := h.bus.Subscribe()
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	// 先发送 ready 事件，让客户端立即确认连接已建立。
	c.SSEvent("ready", gin.H{"subscribers": h.bus.Count()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-h.done:
			return false
		case e, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent("message", e)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
	log.Debugf("[FileUpdates] SSE 客户端断开, clientIP: %s", c.ClientIP())
}

// WebSocket 以 WebSocket 文本帧推送事件。
func (h *EventHandler) WebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("[FileUpdates] WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe()
	defer sub.Close()

	// 读循环只用于感知客户端关闭。
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				log.Warnf("[FileUpdates] WebSocket 写入失败: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
