// Package session 负责管理唯一的一条实时连接。
// 连接与认证身份严格 1:1：登录打开、登出关闭；所有组件都通过
// Transport 窄接口在这条连接上复用房间事件，绝不自行开第二条连接。
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/imerr"
	"chatsync/internal/imtypes"
)

// State 表示连接状态机的当前状态。
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport 是引擎其余部分看到的连接能力接口。
// 刻意收窄为 连接/断开/发事件/收事件/加入房间，不暴露具体客户端类型，
// 以便各流程可以注入假实现进行测试。
type Transport interface {
	Connect(ctx context.Context, identity auth.Identity) error
	Disconnect()
	Connected() bool
	Emit(ev imtypes.Event) error
	JoinRoom(conversationID string) error
	OnEvent(fn func(imtypes.Event))
}

// Manager 是 Transport 的 WebSocket 实现，持有进程内唯一的连接。
type Manager struct {
	log   *zap.SugaredLogger
	wsURL string
	wsCfg config.WebSocketConfig
	rcCfg config.ReconnectConfig

	mu       sync.Mutex
	state    State
	identity *auth.Identity
	link     *wsLink
	rooms    map[string]struct{}

	handler       func(imtypes.Event)
	onAuthFailure func()          // 认证被拒时的升级回调，拆除整个会话
	resubscribe   func() []string // 重连成功后需要重新加入的房间
}

// NewManager 创建一个未连接的 Manager。
// wsURL 是完整的通道地址（含路径，不含 token 查询参数）。
func NewManager(wsURL string, wsCfg config.WebSocketConfig, rcCfg config.ReconnectConfig, log *zap.SugaredLogger) *Manager {
	return &Manager{
		log:   log,
		wsURL: wsURL,
		wsCfg: wsCfg,
		rcCfg: rcCfg,
		rooms: make(map[string]struct{}),
	}
}

// Bind 把 Manager 挂到认证状态上：登录即连接，登出即断开。
func (m *Manager) Bind(provider *auth.Provider) {
	provider.Watch(func(authenticated bool, identity *auth.Identity) {
		if authenticated {
			if err := m.Connect(context.Background(), *identity); err != nil {
				m.log.Warnf("认证后建立连接失败: %v", err)
			}
		} else {
			m.Disconnect()
		}
	})
}

// OnEvent 注册服务端推送事件的处理函数。事件按到达顺序逐一调用。
func (m *Manager) OnEvent(fn func(imtypes.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// OnAuthFailure 注册认证失败时的升级回调。
// 凭证被通道拒绝不能在本地修复，回调应当拆除整个客户端会话。
func (m *Manager) OnAuthFailure(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuthFailure = fn
}

// OnResubscribe 注册重连后需要重新加入的房间来源。
// 通常返回当前活跃会话的 ID 列表。
func (m *Manager) OnResubscribe(fn func() []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resubscribe = fn
}

// Connect 打开经过认证的连接。幂等：当前身份已有存活连接时为空操作。
func (m *Manager) Connect(ctx context.Context, identity auth.Identity) error {
	m.mu.Lock()
	if m.state != Disconnected && m.identity != nil && m.identity.Token == identity.Token {
		m.mu.Unlock()
		return nil // 已有该身份的连接（或正在建立），无需重复
	}
	if m.link != nil {
		// 身份变了，旧连接先拆掉
		m.teardownLocked()
	}
	m.state = Connecting
	m.identity = &identity
	m.mu.Unlock()

	link, resp, err := dial(ctx, m.wsURL, identity.Token, m.wsCfg)
	if err != nil {
		authFailure := resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
		m.mu.Lock()
		m.state = Disconnected
		escalate := m.onAuthFailure
		if authFailure {
			m.identity = nil
		}
		m.mu.Unlock()

		terr := &imerr.TransportError{Op: "dial", AuthFailure: authFailure, Err: err}
		if authFailure && escalate != nil {
			m.log.Warnf("通道认证被拒，升级为会话拆除: %v", err)
			escalate()
		}
		return terr
	}

	m.mu.Lock()
	if m.state != Connecting || m.identity == nil || m.identity.Token != identity.Token {
		// 拨号期间发生了登出或身份切换，这条连接已经没有归属
		m.mu.Unlock()
		link.close()
		m.log.Infof("拨号完成前会话已变更，丢弃连接: UserID %s", identity.UserID)
		return nil
	}
	m.link = link
	m.state = Connected
	m.mu.Unlock()

	go link.writePump(m.wsCfg)
	go m.readLoop(link)

	m.log.Infof("实时通道已连接: UserID %s", identity.UserID)
	m.rejoinRooms()
	return nil
}

// Disconnect 显式断开连接并丢弃所有房间成员关系。不触发重连。
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.identity = nil
	m.teardownLocked()
	m.mu.Unlock()
	m.log.Info("实时通道已断开")
}

// teardownLocked 关闭当前连接并重置状态。调用方必须持有 m.mu。
func (m *Manager) teardownLocked() {
	if m.link != nil {
		m.link.close()
		m.link = nil
	}
	m.rooms = make(map[string]struct{})
	m.state = Disconnected
}

// Connected 返回当前连接是否存活。连接性对外只暴露这一个布尔值。
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected
}

// State 返回状态机当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Emit 把事件写入通道。
func (m *Manager) Emit(ev imtypes.Event) error {
	m.mu.Lock()
	link := m.link
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected || link == nil {
		return &imerr.TransportError{Op: "emit", Err: errNotConnected}
	}
	return link.send(ev)
}

// JoinRoom 加入指定会话的房间并记录成员关系，供重连后恢复。
func (m *Manager) JoinRoom(conversationID string) error {
	ev, err := imtypes.NewEvent(imtypes.EventJoinRoom, imtypes.JoinRoomPayload{ConversationID: conversationID})
	if err != nil {
		return err
	}
	if err := m.Emit(ev); err != nil {
		return err
	}
	m.mu.Lock()
	m.rooms[conversationID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Rooms 返回当前已加入的房间集合的副本。
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// readLoop 消费一条连接上的入站事件，直到连接退出。
// 非预期退出且身份仍然有效时交给重连循环。
func (m *Manager) readLoop(link *wsLink) {
	reason := link.readPump(m.wsCfg, func(ev imtypes.Event) {
		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	})

	m.mu.Lock()
	if m.link != link {
		// 已被新连接替换或显式断开，旧 pump 的退出不再处理
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	identity := m.identity
	escalate := m.onAuthFailure
	m.mu.Unlock()

	if errors.Is(reason, errAuthRejected) {
		m.log.Warn("通道在读取期间报告认证失败，升级为会话拆除")
		if escalate != nil {
			escalate()
		}
		return
	}
	if identity == nil {
		return // 显式登出，不重连
	}
	m.log.Warnf("通道意外断开: %v，进入重连", reason)
	go m.reconnect(*identity)
}

// rejoinRooms 在连接（重新）建立后恢复活跃会话的房间成员关系。
func (m *Manager) rejoinRooms() {
	m.mu.Lock()
	resub := m.resubscribe
	m.mu.Unlock()
	if resub == nil {
		return
	}
	for _, id := range resub() {
		if err := m.JoinRoom(id); err != nil {
			m.log.Warnf("重新加入房间 %s 失败: %v", id, err)
		}
	}
}
