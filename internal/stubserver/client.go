package stubserver

import (
	"encoding/json"
	"net/http"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/imtypes"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var newline = []byte("\n")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 本地联调服务，放开同源检查
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client 是单个 WebSocket 连接在 Hub 侧的代理。
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	username string
	log      *zap.SugaredLogger
}

func (c *Client) displayName() string {
	if c.username != "" {
		return c.username
	}
	return c.userID
}

// readPump 把连接上读到的事件送入 Hub 循环。
// 每个连接一个 readPump goroutine。
func (c *Client) readPump(wsCfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnw("WebSocket 读取错误", "userId", c.userID, "error", err)
			}
			break
		}
		var ev imtypes.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Warnw("无法解析客户端事件", "userId", c.userID, "error", err)
			continue
		}
		c.hub.inbound <- inboundEvent{client: c, event: ev}
	}
}

// writePump 把 Hub 投递的事件写回连接，并周期性发送 ping。
// 每个连接一个 writePump goroutine。
func (c *Client) writePump(wsCfg config.WebSocketConfig) {
	writeWait := time.Duration(wsCfg.WriteWaitSeconds) * time.Second
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 把积压的事件合并进同一帧，事件之间以换行分隔
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
