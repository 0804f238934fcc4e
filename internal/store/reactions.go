package store

import (
	"chatsync/internal/imtypes"
)

// ToggleReaction 请求对一条消息添加/撤销 emoji 回应。
// 确认驱动而非乐观更新：这里只发出请求，不做任何本地改动；
// 服务端随后推送该消息完整的回应列表，由 applyReactionUpdate 整体替换。
// 用户已持有相同 emoji 时，这个请求在服务端表现为撤销。
func (s *Store) ToggleReaction(messageID, emoji string) error {
	ev, err := imtypes.NewEvent(imtypes.EventAddReaction, imtypes.AddReactionPayload{
		MessageID: messageID,
		Emoji:     emoji,
	})
	if err != nil {
		return err
	}
	return s.transport.Emit(ev)
}

// applyReactionUpdate 用事件负载整体替换消息的回应状态。
// 从不合并、从不做本地加减——事件携带的就是服务端的完整当前状态。
//
// 负载携带版本号时做缺口检测：跳号说明中间丢了事件，本地虽然仍用
// 当前负载替换（它依旧是最新的完整状态），但同时触发一次时间线重拉，
// 把可能一起丢掉的其他事件补回来。版本号为 0 表示服务端不提供版本，
// 跳过检测。
func (s *Store) applyReactionUpdate(p imtypes.ReactionUpdatePayload) {
	msg := s.findMessageLocked(p.MessageID)
	if msg == nil {
		return // 非活跃时间线上的消息，不缓冲
	}

	last := s.reactionVersions[p.MessageID]
	if p.Version > 0 {
		if last > 0 && p.Version <= last {
			return // 乱序到达的旧事件
		}
		gap := last > 0 && p.Version > last+1
		s.reactionVersions[p.MessageID] = p.Version
		if gap {
			s.log.Warnf("消息 %s 的回应版本出现缺口 (%d -> %d)，触发重同步", p.MessageID, last, p.Version)
			s.resyncActiveLocked()
		}
	}

	msg.Reactions = append(msg.Reactions[:0:0], p.Reactions...)
}

// resyncActiveLocked 对活跃会话发起一次全量历史重拉。
func (s *Store) resyncActiveLocked() {
	if s.activeID == "" {
		return
	}
	s.fetchGen++
	go s.fetchHistory(s.activeID, s.fetchGen)
}

// ReactionChips 返回某条消息按 emoji 聚合后的回应分组视图。
func (s *Store) ReactionChips(messageID string) (chips []ReactionChip) {
	s.exec(func() {
		if msg := s.findMessageLocked(messageID); msg != nil {
			chips = BuildReactionChips(msg.Reactions, s.self.UserID)
		}
	})
	return
}
