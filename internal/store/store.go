// Package store 持有同步引擎的全部会话状态：会话列表、活跃时间线、
// 回应聚合、已读集合与输入状态，并把服务端推送与本地动作统一调和进来。
//
// 所有状态变更都串行化到 Run 的单个 goroutine 上执行（见 exec），
// 网络响应、推送事件、定时器与可见性回调这些来源各自独立、交错不定，
// 但在这里拿到确定的先后顺序。
package store

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/imtypes"
	"chatsync/internal/models"
	"chatsync/internal/session"
	"chatsync/internal/storage"
)

// Store 是会话与时间线状态的唯一持有者。
type Store struct {
	log       *zap.SugaredLogger
	self      auth.Identity
	transport session.Transport
	repo      storage.ConversationRepository
	typingCfg config.TypingConfig
	readsCfg  config.ReadsConfig

	ops  chan op
	quit chan struct{}

	// 以下字段只在 Run 循环的 goroutine 中访问。
	conversations []*models.Conversation
	activeID      string
	timeline      []*models.Message
	fetchGen      uint64 // 每次触发历史拉取时递增，迟到的响应据此丢弃
	banner        string

	reactionVersions map[string]int64

	remoteTyping map[string]models.TypingState
	typingTimers map[string]*time.Timer
	localTyping  bool
	debounce     *time.Timer

	acked map[string]struct{} // 本端已发出已读确认的消息
}

type op struct {
	fn   func()
	done chan struct{}
}

// NewStore 创建一个空的 Store。调用方随后必须启动 Run。
func NewStore(self auth.Identity, transport session.Transport, repo storage.ConversationRepository, cfg config.Config, log *zap.SugaredLogger) *Store {
	s := &Store{
		log:              log,
		self:             self,
		transport:        transport,
		repo:             repo,
		typingCfg:        cfg.Typing,
		readsCfg:         cfg.Reads,
		ops:              make(chan op, 64),
		quit:             make(chan struct{}),
		reactionVersions: make(map[string]int64),
		remoteTyping:     make(map[string]models.TypingState),
		typingTimers:     make(map[string]*time.Timer),
		acked:            make(map[string]struct{}),
	}
	transport.OnEvent(s.HandleEvent)
	return s
}

// Run 启动状态循环，阻塞直到 ctx 结束。
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case o := <-s.ops:
			o.fn()
			close(o.done)
		case <-ctx.Done():
			close(s.quit)
			s.cleanupTimers()
			return
		}
	}
}

// exec 把 fn 投递到状态循环并等待其执行完成。
// 循环已停止时直接返回，fn 不再执行。
func (s *Store) exec(fn func()) {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
		select {
		case <-o.done:
		case <-s.quit:
		}
	case <-s.quit:
	}
}

// cleanupTimers 在循环退出时停掉所有组件持有的定时器，防止对过期状态开火。
func (s *Store) cleanupTimers() {
	if s.debounce != nil {
		s.debounce.Stop()
	}
	for _, t := range s.typingTimers {
		t.Stop()
	}
}

// HandleEvent 接收通道推送的事件并按类型调和进本地状态。
func (s *Store) HandleEvent(ev imtypes.Event) {
	switch ev.Type {
	case imtypes.EventNewMessage:
		var p imtypes.NewMessagePayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warnf("丢弃无法解析的事件: %v", err)
			return
		}
		s.exec(func() { s.applyNewMessage(p.Message) })
	case imtypes.EventUserTyping:
		var p imtypes.UserTypingPayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warnf("丢弃无法解析的事件: %v", err)
			return
		}
		s.exec(func() { s.applyUserTyping(p) })
	case imtypes.EventReactionUpdate:
		var p imtypes.ReactionUpdatePayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warnf("丢弃无法解析的事件: %v", err)
			return
		}
		s.exec(func() { s.applyReactionUpdate(p) })
	case imtypes.EventMessageRead:
		var p imtypes.MessageReadPayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warnf("丢弃无法解析的事件: %v", err)
			return
		}
		s.exec(func() { s.applyMessageRead(p) })
	default:
		s.log.Debugf("忽略未知事件类型: %s", ev.Type)
	}
}

// LoadConversations 拉取会话列表并整体替换本地列表。
// selectID 非空时选中该会话；否则在尚无活跃会话时选中列表首项。
func (s *Store) LoadConversations(ctx context.Context, selectID string) error {
	convos, err := s.repo.GetConversations(ctx)
	if err != nil {
		s.exec(func() { s.banner = err.Error() })
		return err
	}

	s.exec(func() {
		s.banner = ""
		s.conversations = convos
		s.sortConversationsLocked()

		switch {
		case selectID != "" && s.findConversationLocked(selectID) != nil:
			s.switchActiveLocked(selectID)
		case s.activeID == "" && len(s.conversations) > 0:
			s.switchActiveLocked(s.conversations[0].ID)
		}
	})
	return nil
}

// SwitchActiveConversation 切换活跃会话：加入房间、清空远端输入状态、
// 触发该会话的全量历史拉取。
func (s *Store) SwitchActiveConversation(id string) {
	s.exec(func() { s.switchActiveLocked(id) })
}

// switchActiveLocked 在状态循环内执行会话切换。
func (s *Store) switchActiveLocked(id string) {
	// 离开旧会话前先撤掉本地输入状态，避免对方看到悬挂的 typing
	if s.localTyping && s.activeID != "" {
		s.emitTyping(s.activeID, false)
	}
	s.localTyping = false
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}

	// 远端输入状态不跨会话渗透
	s.clearRemoteTypingLocked()

	s.activeID = id
	s.timeline = nil
	s.reactionVersions = make(map[string]int64)
	s.fetchGen++
	gen := s.fetchGen

	if err := s.transport.JoinRoom(id); err != nil {
		s.log.Warnf("加入房间 %s 失败: %v", id, err)
	}
	go s.fetchHistory(id, gen)
}

// fetchHistory 拉取历史并在状态循环内应用。
// 应用时刻会同时校验拉取代数与活跃会话，切换后迟到的响应在此被丢弃——
// 这是正确性要求，不只是优化。
func (s *Store) fetchHistory(conversationID string, gen uint64) {
	msgs, err := s.repo.GetMessages(context.Background(), conversationID)
	s.exec(func() {
		if gen != s.fetchGen || s.activeID != conversationID {
			s.log.Debugf("丢弃过期的历史响应: 会话 %s (gen %d)", conversationID, gen)
			return
		}
		if err != nil {
			s.log.Warnf("获取会话 %s 历史失败: %v", conversationID, err)
			s.banner = err.Error()
			return
		}
		// 整体替换而非合并；回应与已读状态全部以本次拉取为准重建。
		// 本端确认集合一并重置：旧时间线的消息 ID 不再可达，常驻只会
		// 无限累积，重复确认由消息上的已读记录闸门兜底。
		s.banner = ""
		s.timeline = msgs
		s.reactionVersions = make(map[string]int64)
		s.acked = make(map[string]struct{})
	})
}

// applyNewMessage 把推送的新消息调和进状态。
// 只有属于活跃会话的消息才进入时间线；任何会话都会刷新列表里的
// lastActivity 与消息摘要并重排列表。
func (s *Store) applyNewMessage(msg models.Message) {
	if c := s.findConversationLocked(msg.ConversationID); c != nil {
		c.LastActivity = msg.Timestamp
		c.LastMessage = &models.MessagePreview{
			ID:        msg.ID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}
		s.sortConversationsLocked()
	}

	if msg.ConversationID != s.activeID {
		return // 非活跃会话的消息不进入任何时间线视图
	}
	m := msg
	s.timeline = append(s.timeline, &m)

	// 对方发来新消息意味着他已不在输入中
	s.removeRemoteTypingLocked(msg.SenderID)
}

// findConversationLocked 按 ID 查找会话，未找到返回 nil。
func (s *Store) findConversationLocked(id string) *models.Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// findMessageLocked 在活跃时间线中按 ID 查找消息。
func (s *Store) findMessageLocked(id string) *models.Message {
	for _, m := range s.timeline {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// sortConversationsLocked 按 lastActivity 降序稳定排序会话列表。
func (s *Store) sortConversationsLocked() {
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].LastActivity.After(s.conversations[j].LastActivity)
	})
}

// ActiveConversationID 返回当前活跃会话的 ID，无活跃会话时为空串。
func (s *Store) ActiveConversationID() (id string) {
	s.exec(func() { id = s.activeID })
	return
}

// ActiveRooms 返回连接恢复后需要重新加入的房间，供传输层重连使用。
func (s *Store) ActiveRooms() (rooms []string) {
	s.exec(func() {
		if s.activeID != "" {
			rooms = []string{s.activeID}
		}
	})
	return
}

// Conversations 返回按 lastActivity 降序排列的会话列表副本。
func (s *Store) Conversations() (out []models.Conversation) {
	s.exec(func() {
		out = make([]models.Conversation, 0, len(s.conversations))
		for _, c := range s.conversations {
			out = append(out, *c)
		}
	})
	return
}

// Timeline 返回活跃会话时间线的副本，按到达顺序排列。
func (s *Store) Timeline() (out []models.Message) {
	s.exec(func() {
		out = make([]models.Message, 0, len(s.timeline))
		for _, m := range s.timeline {
			out = append(out, *m)
		}
	})
	return
}

// Banner 返回当前应当展示的错误横幅，空串表示无错误。
func (s *Store) Banner() (msg string) {
	s.exec(func() { msg = s.banner })
	return
}
