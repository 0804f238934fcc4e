package models

import "time"

// MessageType 定义了消息的内容类型。
type MessageType string

const (
	TextMessageType   MessageType = "text"
	FileMessageType   MessageType = "file"
	GifMessageType    MessageType = "gif"
	SystemMessageType MessageType = "system" // 系统通知，例如成员加入
)

// Reaction 是某个用户对一条消息的单个 emoji 回应。
// 不变式：每个 (message, user) 至多一条；同一用户重复相同回应等于撤销（toggle）。
// 冗余携带展示字段，避免渲染层再查用户。
type Reaction struct {
	UserID      string    `json:"userId"`
	Emoji       string    `json:"emoji"`
	Timestamp   time.Time `json:"timestamp"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
}

// ReadReceipt 记录某个用户读到一条消息的时刻。
// 不变式：每个 (message, user) 至多一条，且从不回退。
type ReadReceipt struct {
	UserID      string    `json:"userId"`
	ReadAt      time.Time `json:"readAt"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
}

// FileMetadata stores metadata for file messages.
type FileMetadata struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url"` // URL to access the file
}

// Message 代表时间线上的一条聊天消息。
// 属于且仅属于一个会话；在会话内按到达/时间戳排序；ID 全局唯一。
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"` // 文本内容或文件/GIF 的 URL
	Timestamp      time.Time     `json:"timestamp"`
	Metadata       *FileMetadata `json:"metadata,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	ReadBy         []ReadReceipt `json:"readBy,omitempty"`
}

// ReadByUser 判断用户是否已出现在消息的已读集合中。
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// ReactionBy 返回用户在该消息上的回应，不存在时返回 nil。
func (m *Message) ReactionBy(userID string) *Reaction {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID {
			return &m.Reactions[i]
		}
	}
	return nil
}

// TypingState 是某个远端参与者正在输入的瞬态记录。
// 纯瞬态，从不持久化；在显式停止、会话切换或超时时移除。
type TypingState struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Since       time.Time `json:"since"`
}
