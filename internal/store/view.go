package store

import (
	"fmt"
	"sort"

	"chatsync/internal/models"
)

// ReactionChip 是按 emoji 聚合后的一组回应。
type ReactionChip struct {
	Emoji       string   `json:"emoji"`
	Count       int      `json:"count"`
	UserIDs     []string `json:"userIds"`
	ReactedByMe bool     `json:"reactedByMe"`
}

// BuildReactionChips 把平铺的回应列表按 emoji 聚合。
// 分组顺序跟随 emoji 在列表中的首次出现位置，保持渲染稳定。
func BuildReactionChips(reactions []models.Reaction, viewerID string) []ReactionChip {
	if len(reactions) == 0 {
		return nil
	}
	index := make(map[string]int, len(reactions))
	chips := make([]ReactionChip, 0, len(reactions))
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(chips)
			index[r.Emoji] = i
			chips = append(chips, ReactionChip{Emoji: r.Emoji})
		}
		chips[i].Count++
		chips[i].UserIDs = append(chips[i].UserIDs, r.UserID)
		if r.UserID == viewerID {
			chips[i].ReactedByMe = true
		}
	}
	return chips
}

// ReadIndicatorView 是一条消息的已读指示。
// 私聊只看 Read；群聊展示 Readers（最多 cap 个）与 Overflow 计数。
type ReadIndicatorView struct {
	Read     bool
	Readers  []models.ReadReceipt
	Overflow int
}

// BuildReadIndicator 从已读集合推导指示视图。
// 发送者与观察者自身的已读记录不计入展示。
func BuildReadIndicator(msg *models.Message, direct bool, viewerID string, limit int) ReadIndicatorView {
	readers := make([]models.ReadReceipt, 0, len(msg.ReadBy))
	for _, r := range msg.ReadBy {
		if r.UserID == msg.SenderID || r.UserID == viewerID {
			continue
		}
		readers = append(readers, r)
	}
	sort.SliceStable(readers, func(i, j int) bool {
		return readers[i].ReadAt.Before(readers[j].ReadAt)
	})

	if direct {
		return ReadIndicatorView{Read: len(readers) > 0}
	}
	ind := ReadIndicatorView{Read: len(readers) > 0, Readers: readers}
	if limit > 0 && len(readers) > limit {
		ind.Readers = readers[:limit]
		ind.Overflow = len(readers) - limit
	}
	return ind
}

// remoteTypersLocked 把正在输入的远端用户快照成稳定有序的切片。
func remoteTypersLocked(m map[string]models.TypingState) []models.TypingState {
	if len(m) == 0 {
		return nil
	}
	out := make([]models.TypingState, 0, len(m))
	for _, st := range m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// TypingText 把输入者列表渲染成指示文案。
func TypingText(states []models.TypingState) string {
	switch len(states) {
	case 0:
		return ""
	case 1:
		name := states[0].DisplayName
		if name == "" {
			name = states[0].UserID
		}
		return fmt.Sprintf("%s is typing…", name)
	default:
		return fmt.Sprintf("%d users are typing…", len(states))
	}
}
