package stubserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultMaxMemory = 32 << 20 // multipart 表单非文件部分的内存上限

// Server 是本地联调用的后端：REST API + WebSocket 实时通道。
type Server struct {
	cfg   config.Config
	log   *zap.SugaredLogger
	store *memoryStore
	hub   *Hub
}

// NewServer 创建一个新的 Server 实例并启动 Hub 循环。
func NewServer(cfg config.Config, log *zap.SugaredLogger) *Server {
	store := newMemoryStore()
	hub := NewHub(store, log)
	go hub.Run()
	return &Server{cfg: cfg, log: log, store: store, hub: hub}
}

// Router 装配全部路由。
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/login", s.loginHandler).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/conversations", s.listConversationsHandler).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.createConversationHandler).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.listMessagesHandler).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/files", s.uploadFileHandler).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.serveWS)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	return handlers.LoggingHandler(os.Stdout, cors(r))
}

type contextKey string

const claimsKey contextKey = "claims"

func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// authMiddleware 校验 Authorization 头中的 Bearer 令牌。
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSONError(w, "缺少认证令牌", http.StatusUnauthorized)
			return
		}
		claims, err := auth.ValidateToken(strings.TrimPrefix(header, "Bearer "), s.cfg.Auth.JWTSecretKey)
		if err != nil {
			writeJSONError(w, fmt.Sprintf("令牌无效: %v", err), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// loginHandler 为联调签发令牌。不做真实口令校验。
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSONError(w, "userId 不能为空", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		req.Username = req.UserID
	}
	token, err := auth.GenerateToken(req.UserID, req.Username, s.cfg.Auth)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("签发令牌失败: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	writeJSONResponse(w, http.StatusOK, s.store.ListConversations(claims.UserID))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := mux.Vars(r)["id"]
	convo, ok := s.store.GetConversation(id)
	if !ok {
		writeJSONError(w, "会话不存在", http.StatusNotFound)
		return
	}
	if !convo.HasParticipant(claims.UserID) {
		writeJSONError(w, "无权访问该会话", http.StatusForbidden)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.store.GetMessages(id))
}

// createConversationHandler 创建会话。
// 等价私聊已存在时返回 409，响应体携带已存在会话的 ID。
func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var req struct {
		ParticipantIDs []string                `json:"participantIds"`
		Type           models.ConversationType `json:"type"`
		Name           string                  `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "请求体格式错误", http.StatusBadRequest)
		return
	}
	if len(req.ParticipantIDs) == 0 {
		writeJSONError(w, "participantIds 不能为空", http.StatusBadRequest)
		return
	}
	if req.Type != models.DirectConversation && req.Type != models.GroupConversation {
		writeJSONError(w, "会话类型无效", http.StatusBadRequest)
		return
	}
	if req.Type == models.GroupConversation && normalizeName(req.Name) == "" {
		writeJSONError(w, "群聊名称不能为空", http.StatusBadRequest)
		return
	}

	id, duplicate := s.store.CreateConversation(claims.UserID, claims.Username, req.ParticipantIDs, req.Type, normalizeName(req.Name))
	if duplicate {
		writeJSONResponse(w, http.StatusConflict, map[string]string{
			"error":          "私聊会话已存在",
			"conversationId": id,
		})
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]string{"id": id})
}

// uploadFileHandler 接收 multipart 附件并返回文件元数据。
// 文件内容丢弃，只登记元数据，URL 指向一个虚构的下载路径。
func (s *Server) uploadFileHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := mux.Vars(r)["id"]
	convo, ok := s.store.GetConversation(id)
	if !ok || !convo.HasParticipant(claims.UserID) {
		writeJSONError(w, "会话不存在或无权访问", http.StatusNotFound)
		return
	}

	maxUploadSize := s.cfg.Upload.MaxFileSizeMB << 20
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxMemory
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			writeJSONError(w, fmt.Sprintf("上传文件过大，最大允许 %d MB", maxUploadSize>>20), http.StatusRequestEntityTooLarge)
		} else {
			writeJSONError(w, fmt.Sprintf("解析表单失败: %v", err), http.StatusBadRequest)
		}
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "请求中缺少 'file' 字段", http.StatusBadRequest)
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("读取文件失败: %v", err), http.StatusInternalServerError)
		return
	}

	meta := models.FileMetadata{
		FileName: filepath.Base(header.Filename),
		FileSize: size,
		MimeType: header.Header.Get("Content-Type"),
		URL:      "/files/" + uuid.NewString(),
	}
	writeJSONResponse(w, http.StatusCreated, meta)
}

// serveWS 升级 WebSocket 连接。令牌通过查询参数传递，无效令牌直接拒绝升级。
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ValidateToken(token, s.cfg.Auth.JWTSecretKey)
	if err != nil {
		s.log.Warnw("WebSocket 连接令牌无效", "error", err)
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("WebSocket 升级失败", "error", err)
		return
	}
	client := &Client{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		userID:   claims.UserID,
		username: claims.Username,
		log:      s.log,
	}
	s.hub.register <- client

	go client.writePump(s.cfg.WebSocket)
	go client.readPump(s.cfg.WebSocket)
}

// Expire 用于测试：以策略违规码关闭某用户的全部连接，模拟令牌失效。
func (s *Server) Expire(userID string) {
	s.hub.expire <- userID
}

// DropConnections 用于测试：直接掐断某用户的连接，模拟网络故障。
func (s *Server) DropConnections(userID string) {
	s.hub.drop <- userID
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, map[string]string{"error": message})
}

// Seed 用于测试与演示：预置一个会话及其消息。
func (s *Server) Seed(convo models.Conversation, msgs []models.Message) {
	s.store.mu.Lock()
	if convo.LastActivity.IsZero() {
		convo.LastActivity = time.Now()
	}
	c := convo
	s.store.conversations[c.ID] = &c
	for i := range msgs {
		m := msgs[i]
		s.store.messages[c.ID] = append(s.store.messages[c.ID], &m)
	}
	if c.IsDirect() && len(c.Participants) == 2 {
		s.store.directIndex[directKey(c.Participants[0].UserID, c.Participants[1].UserID)] = c.ID
	}
	s.store.mu.Unlock()
}
