// Package imtypes 定义了实时通道上双向流动的事件结构。
// 所有事件共用一个带类型标签的信封，负载是类型各异的 JSON 对象。
package imtypes

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/models"
)

// EventType 定义了通道事件的类型标签。
type EventType string

// 服务端推送给客户端的事件。
const (
	EventNewMessage     EventType = "new-message"
	EventUserTyping     EventType = "user-typing"
	EventReactionUpdate EventType = "reaction-update"
	EventMessageRead    EventType = "message-read"
)

// 客户端向服务端发出的事件。
const (
	EventJoinRoom    EventType = "join-room"
	EventSendMessage EventType = "send-message"
	EventTyping      EventType = "typing"
	EventAddReaction EventType = "add-reaction"
	EventMarkRead    EventType = "mark-read"
)

// Event 是通道上的统一事件信封。
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent 构造一个信封，负载序列化失败时返回错误。
func NewEvent(t EventType, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("序列化 %s 事件负载失败: %w", t, err)
	}
	return Event{Type: t, Payload: raw}, nil
}

// Decode 把信封负载反序列化到 out。
func (e Event) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("反序列化 %s 事件负载失败: %w", e.Type, err)
	}
	return nil
}

// NewMessagePayload 是 new-message 事件的负载：完整的新消息。
type NewMessagePayload struct {
	Message models.Message `json:"message"`
}

// UserTypingPayload 是 user-typing 事件的负载。
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	DisplayName    string `json:"displayName,omitempty"`
}

// ReactionUpdatePayload 是 reaction-update 事件的负载。
// Reactions 携带该消息当前的完整回应列表，客户端整体替换本地状态。
// Version 为每条消息单调递增的版本号；为 0 时表示服务端不提供版本，
// 客户端跳过缺口检测，保持旧行为。
type ReactionUpdatePayload struct {
	MessageID string            `json:"messageId"`
	Version   int64             `json:"version,omitempty"`
	Reactions []models.Reaction `json:"reactions"`
}

// MessageReadPayload 是 message-read 事件的负载。
type MessageReadPayload struct {
	ConversationID string             `json:"conversationId"`
	MessageID      string             `json:"messageId"`
	Reader         models.ReadReceipt `json:"reader"`
}

// JoinRoomPayload 是 join-room 事件的负载。
type JoinRoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload 是 send-message 事件的负载。
type SendMessagePayload struct {
	ConversationID string               `json:"conversationId"`
	Type           models.MessageType   `json:"type"`
	Content        string               `json:"content"`
	Metadata       *models.FileMetadata `json:"metadata,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// TypingPayload 是 typing 事件的负载。
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// AddReactionPayload 是 add-reaction 事件的负载。
// 服务端按 toggle 语义处理：同一用户对同一消息重复相同 emoji 即撤销。
type AddReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// MarkReadPayload 是 mark-read 事件的负载。
type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}
