package services

import (
	"context"
	"errors"
	"strings"

	"chatsync/internal/imerr"
	"chatsync/internal/models"
	"chatsync/internal/storage"
	"chatsync/internal/store"

	"go.uber.org/zap"
)

// ConversationService 定义了会话创建与刷新相关的服务接口。
type ConversationService interface {
	// CreateConversation 创建一个新会话，成功后刷新会话列表并切换到新会话。
	// 如果服务端报告等价私聊已存在，则采用已存在会话的 ID，按成功处理。
	CreateConversation(ctx context.Context, participantIDs []string, convType models.ConversationType, name string) (string, error)
	// RefreshConversations 重新拉取会话列表。
	RefreshConversations(ctx context.Context) error
}

// conversationService 是 ConversationService 的实现。
type conversationService struct {
	repo  storage.ConversationRepository
	store *store.Store
	log   *zap.SugaredLogger
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(repo storage.ConversationRepository, st *store.Store, log *zap.SugaredLogger) ConversationService {
	return &conversationService{repo: repo, store: st, log: log}
}

// CreateConversation 校验输入并发起创建请求。
func (s *conversationService) CreateConversation(ctx context.Context, participantIDs []string, convType models.ConversationType, name string) (string, error) {
	participantIDs = dedupeIDs(participantIDs)
	if len(participantIDs) == 0 {
		return "", &imerr.ValidationError{Field: "participants", Message: "请至少选择一位参与者"}
	}
	// 多于一位参与者只能建群聊
	if len(participantIDs) > 1 {
		convType = models.GroupConversation
	}
	if convType == models.GroupConversation && strings.TrimSpace(name) == "" {
		return "", &imerr.ValidationError{Field: "name", Message: "群聊名称不能为空"}
	}
	if convType == models.DirectConversation {
		name = ""
	}

	id, err := s.repo.CreateConversation(ctx, storage.CreateConversationInput{
		ParticipantIDs: participantIDs,
		Type:           convType,
		Name:           strings.TrimSpace(name),
	})
	if err != nil {
		var dup *imerr.DuplicateConversationError
		if errors.As(err, &dup) && dup.ConversationID != "" {
			// 并发创建撞上了已存在的私聊：采用服务端返回的会话
			s.log.Infow("私聊已存在，直接切换", "conversationId", dup.ConversationID)
			id = dup.ConversationID
		} else {
			return "", err
		}
	}

	if err := s.store.LoadConversations(ctx, id); err != nil {
		// 会话已创建成功，列表刷新失败不应回滚创建结果
		s.log.Warnw("创建后刷新会话列表失败", "conversationId", id, "error", err)
	}
	return id, nil
}

// RefreshConversations 重新拉取会话列表，保持当前选中会话不变。
func (s *conversationService) RefreshConversations(ctx context.Context) error {
	return s.store.LoadConversations(ctx, "")
}

// dedupeIDs 去掉空白与重复的参与者 ID，保持原始顺序。
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
