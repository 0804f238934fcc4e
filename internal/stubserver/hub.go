package stubserver

import (
	"encoding/json"
	"time"

	"chatsync/internal/imtypes"
	"chatsync/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// inboundEvent 把客户端发来的事件连同来源客户端一起送入 Hub 循环。
type inboundEvent struct {
	client *Client
	event  imtypes.Event
}

// Hub 维护活跃客户端与房间成员关系，并负责事件的处理与分发。
// 所有状态只在 Run 循环里修改。
type Hub struct {
	store *memoryStore
	log   *zap.SugaredLogger

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	expire     chan string // 按用户 ID 以策略违规码踢掉连接
	drop       chan string // 按用户 ID 直接断开连接，模拟网络故障
}

// NewHub 创建一个新的 Hub 实例。
func NewHub(store *memoryStore, log *zap.SugaredLogger) *Hub {
	return &Hub{
		store:      store,
		log:        log,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEvent, 256),
		expire:     make(chan string),
		drop:       make(chan string),
	}
}

// Run 启动 Hub 主循环。
func (h *Hub) Run() {
	h.log.Info("Hub 主循环已启动")
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Infow("客户端已注册", "userId", client.userID)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, members := range h.rooms {
					delete(members, client)
				}
				close(client.send)
				h.log.Infow("客户端已注销", "userId", client.userID)
			}

		case in := <-h.inbound:
			h.dispatch(in.client, in.event)

		case userID := <-h.expire:
			// 模拟令牌在连接存续期间失效：以策略违规码关闭连接
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "令牌已失效")
			for client := range h.clients {
				if client.userID != userID {
					continue
				}
				client.conn.WriteControl(websocket.CloseMessage, msg, deadline)
				client.conn.Close()
			}

		case userID := <-h.drop:
			for client := range h.clients {
				if client.userID == userID {
					client.conn.Close()
				}
			}
		}
	}
}

// dispatch 处理客户端发来的单个事件。
func (h *Hub) dispatch(c *Client, ev imtypes.Event) {
	switch ev.Type {
	case imtypes.EventJoinRoom:
		var p imtypes.JoinRoomPayload
		if err := ev.Decode(&p); err != nil {
			h.log.Warnw("join-room 负载解析失败", "userId", c.userID, "error", err)
			return
		}
		h.joinRoom(c, p.ConversationID)

	case imtypes.EventSendMessage:
		var p imtypes.SendMessagePayload
		if err := ev.Decode(&p); err != nil {
			h.log.Warnw("send-message 负载解析失败", "userId", c.userID, "error", err)
			return
		}
		h.handleSendMessage(c, p)

	case imtypes.EventTyping:
		var p imtypes.TypingPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		h.handleTyping(c, p)

	case imtypes.EventAddReaction:
		var p imtypes.AddReactionPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		h.handleAddReaction(c, p)

	case imtypes.EventMarkRead:
		var p imtypes.MarkReadPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		h.handleMarkRead(c, p)

	default:
		h.log.Debugw("忽略未知事件类型", "type", ev.Type, "userId", c.userID)
	}
}

// joinRoom 把客户端加入会话房间，非参与者的加入请求被拒绝。
func (h *Hub) joinRoom(c *Client, conversationID string) {
	convo, ok := h.store.GetConversation(conversationID)
	if !ok || !convo.HasParticipant(c.userID) {
		h.log.Warnw("拒绝加入房间", "userId", c.userID, "conversationId", conversationID)
		return
	}
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[conversationID] = members
	}
	members[c] = true
}

func (h *Hub) handleSendMessage(c *Client, p imtypes.SendMessagePayload) {
	convo, ok := h.store.GetConversation(p.ConversationID)
	if !ok || !convo.HasParticipant(c.userID) {
		return
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: p.ConversationID,
		SenderID:       c.userID,
		Type:           p.Type,
		Content:        p.Content,
		Timestamp:      time.Now(), // 服务端时间为准
		Metadata:       p.Metadata,
	}
	h.store.AppendMessage(msg)
	h.broadcastToRoom(p.ConversationID, imtypes.EventNewMessage, imtypes.NewMessagePayload{Message: *msg}, nil)
}

func (h *Hub) handleTyping(c *Client, p imtypes.TypingPayload) {
	// 输入指示只转发给房间里的其他人
	h.broadcastToRoom(p.ConversationID, imtypes.EventUserTyping, imtypes.UserTypingPayload{
		ConversationID: p.ConversationID,
		UserID:         c.userID,
		IsTyping:       p.IsTyping,
		DisplayName:    h.store.displayNameOf(p.ConversationID, c.userID),
	}, c)
}

func (h *Hub) handleAddReaction(c *Client, p imtypes.AddReactionPayload) {
	conversationID, reactions, version, ok := h.store.ToggleReaction(p.MessageID, c.userID, c.displayName(), p.Emoji)
	if !ok {
		return
	}
	h.broadcastToRoom(conversationID, imtypes.EventReactionUpdate, imtypes.ReactionUpdatePayload{
		MessageID: p.MessageID,
		Version:   version,
		Reactions: reactions,
	}, nil)
}

func (h *Hub) handleMarkRead(c *Client, p imtypes.MarkReadPayload) {
	receipt, added := h.store.MarkRead(p.MessageID, c.userID, h.store.displayNameOf(p.ConversationID, c.userID))
	if !added {
		return
	}
	h.broadcastToRoom(p.ConversationID, imtypes.EventMessageRead, imtypes.MessageReadPayload{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		Reader:         receipt,
	}, nil)
}

// broadcastToRoom 向房间内全部成员广播一个事件，except 非空时跳过该客户端。
func (h *Hub) broadcastToRoom(conversationID string, t imtypes.EventType, payload interface{}, except *Client) {
	ev, err := imtypes.NewEvent(t, payload)
	if err != nil {
		h.log.Errorw("序列化广播事件失败", "type", t, "error", err)
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorw("序列化广播事件失败", "type", t, "error", err)
		return
	}
	for member := range h.rooms[conversationID] {
		if member == except {
			continue
		}
		select {
		case member.send <- raw:
		default:
			// 发送缓冲已满，按掉线处理
			h.log.Warnw("客户端发送通道已满，移除客户端", "userId", member.userID)
			close(member.send)
			delete(h.clients, member)
			for _, members := range h.rooms {
				delete(members, member)
			}
		}
	}
}
