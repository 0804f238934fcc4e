// Package storage 定义了访问会话/消息后端的仓库接口及其 HTTP 实现。
// 引擎只通过这里的窄接口消费后端，创建流程等上层可以注入假实现测试。
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatsync/internal/imerr"
	"chatsync/internal/models"
)

// CreateConversationInput 是创建会话请求的负载。
type CreateConversationInput struct {
	ParticipantIDs []string                `json:"participantIds"`
	Type           models.ConversationType `json:"type"`
	Name           string                  `json:"name,omitempty"`
}

// ConversationRepository 定义了会话数据操作的接口。
type ConversationRepository interface {
	// GetConversations 获取当前身份参与的会话列表，按 lastActivity 降序。
	GetConversations(ctx context.Context) ([]*models.Conversation, error)
	// GetMessages 获取指定会话的完整历史消息，服务端已排好序，
	// 每条消息内嵌回应与已读集合。
	GetMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	// CreateConversation 请求创建会话并返回新会话 ID。
	// 私聊重复创建时返回 *imerr.DuplicateConversationError，携带已存在会话的 ID。
	CreateConversation(ctx context.Context, input CreateConversationInput) (string, error)
	// UploadFile 以 multipart 方式上传附件，written/total 进度通过回调上报。
	UploadFile(ctx context.Context, conversationID, fileName string, r io.Reader, size int64, progress func(written, total int64)) (*models.FileMetadata, error)
}

// httpConversationRepository 是基于后端 REST API 的 ConversationRepository 实现。
type httpConversationRepository struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPConversationRepository 创建一个新的基于 HTTP 的 ConversationRepository。
// client 为 nil 时使用 http.DefaultClient。
func NewHTTPConversationRepository(baseURL, token string, client *http.Client) ConversationRepository {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpConversationRepository{baseURL: baseURL, token: token, client: client}
}

// GetConversations 获取会话列表。
func (r *httpConversationRepository) GetConversations(ctx context.Context) ([]*models.Conversation, error) {
	var out []*models.Conversation
	if err := r.getJSON(ctx, "/api/conversations", &out); err != nil {
		return nil, fmt.Errorf("获取会话列表失败: %w", err)
	}
	return out, nil
}

// GetMessages 获取会话历史消息。
func (r *httpConversationRepository) GetMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var out []*models.Message
	if err := r.getJSON(ctx, "/api/conversations/"+conversationID+"/messages", &out); err != nil {
		return nil, fmt.Errorf("获取会话 %s 的历史消息失败: %w", conversationID, err)
	}
	return out, nil
}

// CreateConversation 请求创建会话。
func (r *httpConversationRepository) CreateConversation(ctx context.Context, input CreateConversationInput) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("序列化创建会话请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &imerr.TransportError{Op: "create-conversation", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", responseError(resp)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("反序列化创建会话响应失败: %w", err)
	}
	return created.ID, nil
}

// getJSON 执行一次带鉴权的 GET 并把响应体解码到 out。
func (r *httpConversationRepository) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return &imerr.TransportError{Op: "get", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *httpConversationRepository) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+r.token)
}

// errorBody 是后端错误响应的统一结构。重复私聊冲突时额外携带已存在会话的 ID。
type errorBody struct {
	Error          string `json:"error"`
	ConversationID string `json:"conversationId,omitempty"`
}

// responseError 把非 2xx 响应映射到错误分类。
func responseError(resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &body)

	if resp.StatusCode >= 500 {
		return &imerr.ServerError{Status: resp.StatusCode}
	}
	if body.ConversationID != "" {
		// 客户端错误 + 已存在会话 ID ⇒ 重复创建冲突，上层当成功处理
		return &imerr.DuplicateConversationError{ConversationID: body.ConversationID}
	}
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &imerr.RequestError{Status: resp.StatusCode, Message: msg}
}
