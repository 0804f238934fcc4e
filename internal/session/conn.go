package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/imtypes"
)

var (
	errNotConnected = errors.New("通道未连接")
	// errAuthRejected 表示服务端在连接存续期间拒绝了凭证（策略违规关闭码）。
	errAuthRejected = errors.New("通道认证被拒")
)

var newline = []byte("\n")

// wsLink 包装一条已建立的 WebSocket 连接及其出站队列。
// 写入全部经由 outbound 通道汇聚到 writePump，保证单写者。
type wsLink struct {
	conn     *websocket.Conn
	outbound chan []byte
	done     chan struct{}
}

// dial 建立经过认证的连接。令牌通过查询参数传递。
func dial(ctx context.Context, wsURL, token string, wsCfg config.WebSocketConfig) (*wsLink, *http.Response, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  wsCfg.MaxMessageSizeBytes,
		WriteBufferSize: wsCfg.MaxMessageSizeBytes,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL+"?token="+token, nil)
	if err != nil {
		return nil, resp, err
	}
	return &wsLink{
		conn:     conn,
		outbound: make(chan []byte, 256),
		done:     make(chan struct{}),
	}, resp, nil
}

// send 把事件序列化后放入出站队列。队列满视为连接不健康。
func (l *wsLink) send(ev imtypes.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case l.outbound <- raw:
		return nil
	case <-l.done:
		return errNotConnected
	}
}

// close 关闭连接并停掉两个 pump。可安全重复调用。
func (l *wsLink) close() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.conn.Close()
}

// readPump 把连接上的入站事件逐条交给 handle，直到连接退出。
// 返回退出原因；errAuthRejected 表示服务端以策略违规码关闭。
func (l *wsLink) readPump(wsCfg config.WebSocketConfig, handle func(imtypes.Event)) error {
	defer l.close()

	l.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	l.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
		return nil
	})

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				return errAuthRejected
			}
			return err
		}

		// 服务端会把积压事件合并进同一帧，以换行分隔
		for _, chunk := range bytes.Split(raw, newline) {
			if len(bytes.TrimSpace(chunk)) == 0 {
				continue
			}
			var ev imtypes.Event
			if err := json.Unmarshal(chunk, &ev); err != nil {
				// 单条坏消息不拆连接，跳过即可
				continue
			}
			handle(ev)
		}
	}
}

// writePump pumps messages from the outbound queue to the websocket connection.
func (l *wsLink) writePump(wsCfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		l.close()
	}()
	writeWait := time.Duration(wsCfg.WriteWaitSeconds) * time.Second

	for {
		select {
		case raw := <-l.outbound:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := l.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(raw)

			// 聚合发送队列中积压的其他消息
			n := len(l.outbound)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-l.outbound)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			l.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// reconnect 以带抖动的指数退避重试连接，直到成功、认证失败或显式登出。
// 重试节奏由配置给出，成功后 Connect 内部会恢复活跃房间。
func (m *Manager) reconnect(identity auth.Identity) {
	backoff := m.rcCfg.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for {
		m.mu.Lock()
		abandoned := m.identity == nil || m.identity.Token != identity.Token || m.state != Disconnected
		m.mu.Unlock()
		if abandoned {
			return
		}

		err := m.Connect(context.Background(), identity)
		if err == nil {
			return
		}
		var authFailed bool
		m.mu.Lock()
		authFailed = m.identity == nil
		m.mu.Unlock()
		if authFailed {
			return // 认证被拒时 Connect 已经升级处理
		}

		// 抖动退避，封顶于 MaxBackoff
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		m.log.Infof("重连失败，%s 后重试: %v", sleep, err)
		time.Sleep(sleep)
		if backoff < m.rcCfg.MaxBackoff {
			backoff *= 2
			if backoff > m.rcCfg.MaxBackoff {
				backoff = m.rcCfg.MaxBackoff
			}
		}
	}
}
