package stubserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
)

// memoryStore 保存进程内的会话与消息数据。
// 所有访问都经过互斥锁，REST 处理器和 Hub 循环共享同一份状态。
type memoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	directIndex   map[string]string // 规范化的参与者对 -> 私聊会话 ID
	versions      map[string]int64  // 消息 ID -> 回应版本号
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		directIndex:   make(map[string]string),
		versions:      make(map[string]int64),
	}
}

// directKey 规范化一对参与者 ID，保证 (a,b) 与 (b,a) 映射到同一个键。
func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// ListConversations 返回某用户参与的全部会话，按最近活动时间倒序。
func (m *memoryStore) ListConversations(userID string) []*models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// GetConversation 按 ID 返回会话副本。
func (m *memoryStore) GetConversation(id string) (*models.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, false
	}
	cc := *c
	return &cc, true
}

// GetMessages 返回某会话的全部消息副本，按时间升序。
func (m *memoryStore) GetMessages(conversationID string) []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		mm := *msg
		out = append(out, &mm)
	}
	return out
}

// CreateConversation 创建会话。
// 对私聊做幂等处理：同一对参与者的私聊已存在时返回已有会话 ID 和 duplicate=true。
func (m *memoryStore) CreateConversation(creatorID, creatorName string, participantIDs []string, convType models.ConversationType, name string) (id string, duplicate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if convType == models.DirectConversation && len(participantIDs) == 1 {
		key := directKey(creatorID, participantIDs[0])
		if existing, ok := m.directIndex[key]; ok {
			return existing, true
		}
	}

	convo := &models.Conversation{
		ID:           uuid.NewString(),
		Type:         convType,
		Name:         name,
		LastActivity: time.Now(),
		Participants: []models.Participant{
			{UserID: creatorID, Role: models.RoleOwner, DisplayName: creatorName},
		},
	}
	for _, pid := range participantIDs {
		if pid == creatorID {
			continue
		}
		convo.Participants = append(convo.Participants, models.Participant{
			UserID: pid, Role: models.RoleMember, DisplayName: pid,
		})
	}
	m.conversations[convo.ID] = convo
	if convType == models.DirectConversation && len(participantIDs) == 1 {
		m.directIndex[directKey(creatorID, participantIDs[0])] = convo.ID
	}
	return convo.ID, false
}

// AppendMessage 把消息追加到会话时间线并刷新会话的最近活动。
func (m *memoryStore) AppendMessage(msg *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	if c, ok := m.conversations[msg.ConversationID]; ok {
		c.LastActivity = msg.Timestamp
		c.LastMessage = &models.MessagePreview{
			ID:        msg.ID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}
	}
}

// ToggleReaction 按 toggle 语义增删回应，并为该消息的回应状态递增版本号。
// 返回消息所属会话、完整回应列表与新版本号。
func (m *memoryStore) ToggleReaction(messageID, userID, displayName, emoji string) (conversationID string, reactions []models.Reaction, version int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(messageID)
	if msg == nil {
		return "", nil, 0, false
	}

	removed := false
	kept := msg.Reactions[:0]
	for _, r := range msg.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	msg.Reactions = kept
	if !removed {
		msg.Reactions = append(msg.Reactions, models.Reaction{
			UserID:      userID,
			Emoji:       emoji,
			Timestamp:   time.Now(),
			DisplayName: displayName,
		})
	}

	m.versions[messageID]++
	reactions = append([]models.Reaction(nil), msg.Reactions...)
	return msg.ConversationID, reactions, m.versions[messageID], true
}

// MarkRead 为消息登记已读，按用户去重。返回是否新增了记录。
func (m *memoryStore) MarkRead(messageID, userID, displayName string) (receipt models.ReadReceipt, added bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.findMessage(messageID)
	if msg == nil {
		return models.ReadReceipt{}, false
	}
	if msg.SenderID == userID || msg.ReadByUser(userID) {
		return models.ReadReceipt{}, false
	}
	receipt = models.ReadReceipt{
		UserID:      userID,
		ReadAt:      time.Now(),
		DisplayName: displayName,
	}
	msg.ReadBy = append(msg.ReadBy, receipt)
	return receipt, true
}

// findMessage 线性扫描全部会话查找消息。调用方需持锁。
func (m *memoryStore) findMessage(messageID string) *models.Message {
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				return msg
			}
		}
	}
	return nil
}

// displayNameOf 返回某会话内某参与者的展示名。
func (m *memoryStore) displayNameOf(conversationID, userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conversations[conversationID]; ok {
		for _, p := range c.Participants {
			if p.UserID == userID && p.DisplayName != "" {
				return p.DisplayName
			}
		}
	}
	return userID
}

// normalizeName 是创建会话时的名称清洗。
func normalizeName(name string) string {
	return strings.TrimSpace(name)
}
