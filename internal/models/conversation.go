package models

import "time"

// ConversationType 定义了会话的类型。
type ConversationType string

const (
	DirectConversation ConversationType = "direct" // 一对一聊天
	GroupConversation  ConversationType = "group"  // 群组聊天
)

// ParticipantRole 定义了参与者在会话中的角色。
type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleOwner  ParticipantRole = "owner"
)

// Participant 是会话中的一名成员。成员集合在会话创建后不再变更。
type Participant struct {
	UserID      string          `json:"userId"`
	Role        ParticipantRole `json:"role"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
}

// MessagePreview 是会话列表中展示的最后一条消息摘要。
type MessagePreview struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation 代表一个聊天会话（一对一或群组）。
// 会话实体由后端创建，本引擎只读取、追加或整体替换，从不在本地单独生成。
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"` // 仅群聊有名称
	Participants []Participant    `json:"participants"`
	LastActivity time.Time        `json:"lastActivity"`
	LastMessage  *MessagePreview  `json:"lastMessage,omitempty"`
}

// IsDirect 判断是否为一对一会话。
func (c *Conversation) IsDirect() bool {
	return c.Type == DirectConversation
}

// HasParticipant 判断用户是否为会话成员。
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// OtherParticipants 返回除 viewer 外的参与者列表。
func (c *Conversation) OtherParticipants(viewerID string) []Participant {
	others := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != viewerID {
			others = append(others, p)
		}
	}
	return others
}
