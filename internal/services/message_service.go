package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"chatsync/internal/imerr"
	"chatsync/internal/imtypes"
	"chatsync/internal/models"
	"chatsync/internal/session"
	"chatsync/internal/storage"
	"chatsync/internal/store"

	"go.uber.org/zap"
)

// MessageService 定义了消息发送相关的服务接口。
type MessageService interface {
	// SendText 向指定会话发送一条文本消息。
	// 发送失败时返回错误，调用方应保留草稿内容。
	SendText(ctx context.Context, conversationID, content string) error
	// SendFile 先上传文件，再向会话发送一条携带文件元数据的消息。
	// progress 在上传过程中以 (已写入, 总量) 回调，可以为 nil。
	SendFile(ctx context.Context, conversationID, fileName string, r io.Reader, size int64, progress func(written, total int64)) error
}

// messageService 是 MessageService 的实现。
type messageService struct {
	transport session.Transport
	repo      storage.ConversationRepository
	store     *store.Store
	log       *zap.SugaredLogger
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(transport session.Transport, repo storage.ConversationRepository, st *store.Store, log *zap.SugaredLogger) MessageService {
	return &messageService{transport: transport, repo: repo, store: st, log: log}
}

// SendText 发送文本消息，同时结束本端的输入指示。
func (s *messageService) SendText(ctx context.Context, conversationID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return &imerr.ValidationError{Field: "content", Message: "消息内容不能为空"}
	}
	if conversationID == "" {
		return &imerr.ValidationError{Field: "conversationId", Message: "未选择会话"}
	}
	if err := s.emitMessage(conversationID, models.TextMessageType, content, nil); err != nil {
		return err
	}
	// 消息已发出，输入指示立即结束
	s.store.StopTyping()
	return nil
}

// SendFile 上传文件并发送文件消息。
func (s *messageService) SendFile(ctx context.Context, conversationID, fileName string, r io.Reader, size int64, progress func(written, total int64)) error {
	if conversationID == "" {
		return &imerr.ValidationError{Field: "conversationId", Message: "未选择会话"}
	}
	meta, err := s.repo.UploadFile(ctx, conversationID, fileName, r, size, progress)
	if err != nil {
		return fmt.Errorf("上传文件失败: %w", err)
	}
	if err := s.emitMessage(conversationID, models.FileMessageType, meta.FileName, meta); err != nil {
		return err
	}
	s.store.StopTyping()
	return nil
}

func (s *messageService) emitMessage(conversationID string, msgType models.MessageType, content string, meta *models.FileMetadata) error {
	ev, err := imtypes.NewEvent(imtypes.EventSendMessage, imtypes.SendMessagePayload{
		ConversationID: conversationID,
		Type:           msgType,
		Content:        content,
		Metadata:       meta,
		Timestamp:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("构造消息事件失败: %w", err)
	}
	if err := s.transport.Emit(ev); err != nil {
		return fmt.Errorf("发送消息失败: %w", err)
	}
	return nil
}
