package store

import (
	"time"

	"chatsync/internal/imtypes"
	"chatsync/internal/models"
)

// KeyStroke 记录一次本地键入。
// 首次键入发出 start-typing；去抖定时器在每次键入时重置，
// 用户停顿超过去抖时长后发出 stop-typing 并复位本地状态。
func (s *Store) KeyStroke() {
	s.exec(func() {
		if s.activeID == "" {
			return
		}
		if !s.localTyping {
			s.localTyping = true
			s.emitTyping(s.activeID, true)
		}
		if s.debounce == nil {
			s.debounce = time.AfterFunc(s.typingCfg.Debounce(), s.debounceFired)
		} else {
			s.debounce.Reset(s.typingCfg.Debounce())
		}
	})
}

// debounceFired 在用户停顿后执行，发出 stop-typing。
func (s *Store) debounceFired() {
	s.exec(func() {
		if !s.localTyping || s.activeID == "" {
			return
		}
		s.localTyping = false
		s.emitTyping(s.activeID, false)
	})
}

// StopTyping 立即发出 stop-typing，例如消息发出之后。
func (s *Store) StopTyping() {
	s.exec(func() { s.stopLocalTypingLocked() })
}

func (s *Store) stopLocalTypingLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.localTyping && s.activeID != "" {
		s.localTyping = false
		s.emitTyping(s.activeID, false)
	}
	s.localTyping = false
}

// emitTyping 发出 typing 事件，失败只记录日志——输入状态是尽力而为的。
func (s *Store) emitTyping(conversationID string, isTyping bool) {
	ev, err := imtypes.NewEvent(imtypes.EventTyping, imtypes.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		s.log.Warnf("构造 typing 事件失败: %v", err)
		return
	}
	if err := s.transport.Emit(ev); err != nil {
		s.log.Warnf("发送 typing 事件失败: %v", err)
	}
}

// applyUserTyping 调和远端参与者的输入状态。
// 只处理活跃会话房间内、他人发出的事件。
func (s *Store) applyUserTyping(p imtypes.UserTypingPayload) {
	if p.ConversationID != s.activeID || p.UserID == s.self.UserID {
		return
	}
	if !p.IsTyping {
		s.removeRemoteTypingLocked(p.UserID)
		return
	}

	st, exists := s.remoteTyping[p.UserID]
	if !exists {
		st = models.TypingState{UserID: p.UserID, DisplayName: p.DisplayName, Since: time.Now()}
	} else if p.DisplayName != "" {
		st.DisplayName = p.DisplayName
	}
	s.remoteTyping[p.UserID] = st

	// 每次刷新都重置过期定时器；丢失 stop 事件时条目靠超时回收
	userID := p.UserID
	if t, ok := s.typingTimers[userID]; ok {
		t.Reset(s.typingCfg.RemoteExpiry())
	} else {
		s.typingTimers[userID] = time.AfterFunc(s.typingCfg.RemoteExpiry(), func() {
			s.exec(func() { s.removeRemoteTypingLocked(userID) })
		})
	}
}

// removeRemoteTypingLocked 移除某个远端输入条目并停掉其过期定时器。
func (s *Store) removeRemoteTypingLocked(userID string) {
	delete(s.remoteTyping, userID)
	if t, ok := s.typingTimers[userID]; ok {
		t.Stop()
		delete(s.typingTimers, userID)
	}
}

// clearRemoteTypingLocked 清空整个远端输入映射。会话切换时调用。
func (s *Store) clearRemoteTypingLocked() {
	for id, t := range s.typingTimers {
		t.Stop()
		delete(s.typingTimers, id)
	}
	s.remoteTyping = make(map[string]models.TypingState)
}

// RemoteTypers 返回活跃会话中正在输入的远端参与者，按开始时间排序。
func (s *Store) RemoteTypers() (out []models.TypingState) {
	s.exec(func() {
		out = remoteTypersLocked(s.remoteTyping)
	})
	return
}

// TypingText 返回输入指示文案。
// 恰好一人时为 "<name> is typing…"，多人时为 "<count> users are typing…"。
func (s *Store) TypingText() (text string) {
	s.exec(func() {
		text = TypingText(remoteTypersLocked(s.remoteTyping))
	})
	return
}
