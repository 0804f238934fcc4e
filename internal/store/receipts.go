package store

import (
	"sync"

	"chatsync/internal/imtypes"
)

// VisibilityObserver 绑定到一条已渲染的消息实例。
// 首次完全可见时触发一次已读确认，随后永久解除——滚出视口再滚回来
// 不会再次触发。
type VisibilityObserver struct {
	once sync.Once
	fire func()
}

// NotifyFullyVisible 由渲染层在消息达到完全可见阈值时调用。
func (o *VisibilityObserver) NotifyFullyVisible() {
	o.once.Do(o.fire)
}

// ObserveMessage 为一条渲染出来的消息创建可见性观察者。
func (s *Store) ObserveMessage(messageID string) *VisibilityObserver {
	return &VisibilityObserver{fire: func() { s.ackRead(messageID) }}
}

// ackRead 对一条消息发出至多一次已读确认。
// 发出前的两道闸门：本端不是发送者；本端尚未出现在本地已读集合中。
// 此外 acked 集合保证同一条消息跨渲染实例也只确认一次。
func (s *Store) ackRead(messageID string) {
	s.exec(func() {
		if _, done := s.acked[messageID]; done {
			return
		}
		msg := s.findMessageLocked(messageID)
		if msg == nil {
			return
		}
		if msg.SenderID == s.self.UserID {
			return // 发送者不确认自己的消息
		}
		if msg.ReadByUser(s.self.UserID) {
			s.acked[messageID] = struct{}{}
			return // 服务端已经记录过这次阅读
		}

		ev, err := imtypes.NewEvent(imtypes.EventMarkRead, imtypes.MarkReadPayload{
			ConversationID: msg.ConversationID,
			MessageID:      messageID,
		})
		if err != nil {
			s.log.Warnf("构造 mark-read 事件失败: %v", err)
			return
		}
		if err := s.transport.Emit(ev); err != nil {
			s.log.Warnf("发送 mark-read 事件失败: %v", err)
			return // 未送达则不置位，下一个观察者实例还有机会
		}
		s.acked[messageID] = struct{}{}
	})
}

// applyMessageRead 合并服务端确认的已读记录。
// 以 userId 为键去重：同一用户的重复事件不会产生重复条目，
// 已有条目也从不回退。
func (s *Store) applyMessageRead(p imtypes.MessageReadPayload) {
	if p.ConversationID != s.activeID {
		return
	}
	msg := s.findMessageLocked(p.MessageID)
	if msg == nil {
		return
	}
	if msg.ReadByUser(p.Reader.UserID) {
		return
	}
	msg.ReadBy = append(msg.ReadBy, p.Reader)
}

// ReadIndicator 返回某条消息的已读指示视图。
// 私聊坍缩为二元 "已读"；群聊给出截断后的读者头像堆叠与溢出计数。
func (s *Store) ReadIndicator(messageID string) (ind ReadIndicatorView) {
	s.exec(func() {
		msg := s.findMessageLocked(messageID)
		if msg == nil {
			return
		}
		convo := s.findConversationLocked(msg.ConversationID)
		direct := convo != nil && convo.IsDirect()
		ind = BuildReadIndicator(msg, direct, s.self.UserID, s.readsCfg.GroupReaderCap)
	})
	return
}
