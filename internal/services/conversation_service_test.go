package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/imerr"
	"chatsync/internal/imtypes"
	"chatsync/internal/models"
	"chatsync/internal/storage"
	"chatsync/internal/store"
)

type nopTransport struct {
	mu      sync.Mutex
	emitted []imtypes.Event
}

func (n *nopTransport) Connect(ctx context.Context, identity auth.Identity) error { return nil }
func (n *nopTransport) Disconnect()                                               {}
func (n *nopTransport) Connected() bool                                           { return true }
func (n *nopTransport) JoinRoom(conversationID string) error                      { return nil }
func (n *nopTransport) OnEvent(fn func(imtypes.Event))                            {}

func (n *nopTransport) Emit(ev imtypes.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emitted = append(n.emitted, ev)
	return nil
}

func (n *nopTransport) lastEmitted() (imtypes.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.emitted) == 0 {
		return imtypes.Event{}, false
	}
	return n.emitted[len(n.emitted)-1], true
}

// scriptedRepo 让 CreateConversation 返回预先写好的结果。
type scriptedRepo struct {
	mu        sync.Mutex
	convos    []*models.Conversation
	created   []storage.CreateConversationInput
	createID  string
	createErr error
}

func (r *scriptedRepo) GetConversations(ctx context.Context) ([]*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Conversation, 0, len(r.convos))
	for _, c := range r.convos {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

func (r *scriptedRepo) GetMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return nil, nil
}

func (r *scriptedRepo) CreateConversation(ctx context.Context, input storage.CreateConversationInput) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, input)
	if r.createErr != nil {
		return "", r.createErr
	}
	return r.createID, nil
}

func (r *scriptedRepo) UploadFile(ctx context.Context, conversationID, fileName string, src io.Reader, size int64, progress func(written, total int64)) (*models.FileMetadata, error) {
	return &models.FileMetadata{FileName: fileName, FileSize: size, MimeType: "application/octet-stream", URL: "/files/x"}, nil
}

func newServiceFixture(t *testing.T, repo *scriptedRepo) (ConversationService, *store.Store, *nopTransport) {
	t.Helper()
	tr := &nopTransport{}
	engine := store.NewStore(auth.Identity{UserID: "me"}, tr, repo, config.Config{
		Typing: config.TypingConfig{DebounceMillis: 50, RemoteExpirySeconds: 5},
		Reads:  config.ReadsConfig{GroupReaderCap: 3},
	}, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)
	return NewConversationService(repo, engine, zap.NewNop().Sugar()), engine, tr
}

func TestCreateConversationValidation(t *testing.T) {
	svc, _, _ := newServiceFixture(t, &scriptedRepo{})

	_, err := svc.CreateConversation(context.Background(), nil, models.DirectConversation, "")
	var vErr *imerr.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "participants", vErr.Field)

	// 多于一位参与者强制按群聊处理，群聊必须有名称
	_, err = svc.CreateConversation(context.Background(), []string{"bob", "carol"}, models.DirectConversation, "   ")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "name", vErr.Field)
}

func TestCreateConversationSwitchesToNew(t *testing.T) {
	repo := &scriptedRepo{createID: "c-new"}
	repo.convos = []*models.Conversation{
		{ID: "c-new", Type: models.DirectConversation, LastActivity: time.Now(),
			Participants: []models.Participant{{UserID: "me"}, {UserID: "bob"}}},
	}
	svc, engine, _ := newServiceFixture(t, repo)

	id, err := svc.CreateConversation(context.Background(), []string{"bob"}, models.DirectConversation, "")
	require.NoError(t, err)
	assert.Equal(t, "c-new", id)
	assert.Equal(t, "c-new", engine.ActiveConversationID(), "创建成功后切换到新会话")
}

func TestCreateConversationDuplicateAdoptsExisting(t *testing.T) {
	repo := &scriptedRepo{createErr: &imerr.DuplicateConversationError{ConversationID: "c-existing"}}
	repo.convos = []*models.Conversation{
		{ID: "c-existing", Type: models.DirectConversation, LastActivity: time.Now(),
			Participants: []models.Participant{{UserID: "me"}, {UserID: "bob"}}},
	}
	svc, engine, _ := newServiceFixture(t, repo)

	// 并发撞上已存在的私聊：按成功处理，采用服务端返回的 ID
	id, err := svc.CreateConversation(context.Background(), []string{"bob"}, models.DirectConversation, "")
	require.NoError(t, err)
	assert.Equal(t, "c-existing", id)
	assert.Equal(t, "c-existing", engine.ActiveConversationID())
	assert.Empty(t, engine.Banner(), "冲突按成功处理，不出现错误横幅")
}

func TestCreateConversationDedupesParticipants(t *testing.T) {
	repo := &scriptedRepo{createID: "c1"}
	svc, _, _ := newServiceFixture(t, repo)

	_, err := svc.CreateConversation(context.Background(), []string{"bob", " bob ", ""}, models.DirectConversation, "")
	require.NoError(t, err)
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.created, 1)
	assert.Equal(t, []string{"bob"}, repo.created[0].ParticipantIDs)
	assert.Equal(t, models.DirectConversation, repo.created[0].Type, "去重后单参与者仍是私聊")
}

func TestSendTextEmitsAndStopsTyping(t *testing.T) {
	repo := &scriptedRepo{}
	repo.convos = []*models.Conversation{
		{ID: "c1", Type: models.DirectConversation, LastActivity: time.Now(),
			Participants: []models.Participant{{UserID: "me"}, {UserID: "bob"}}},
	}
	_, engine, tr := newServiceFixture(t, repo)
	require.NoError(t, engine.LoadConversations(context.Background(), "c1"))
	msgSvc := NewMessageService(tr, repo, engine, zap.NewNop().Sugar())

	require.NoError(t, msgSvc.SendText(context.Background(), "c1", "  hello  "))
	ev, ok := tr.lastEmitted()
	require.True(t, ok)
	// 发消息后立即 StopTyping，本端未在输入时不会多发 typing 事件
	if ev.Type != imtypes.EventSendMessage {
		t.Fatalf("期望最后发出 send-message，实际 %s", ev.Type)
	}
	var p imtypes.SendMessagePayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, "hello", p.Content, "首尾空白被裁剪")
	assert.Equal(t, models.TextMessageType, p.Type)
}

func TestSendTextRejectsEmpty(t *testing.T) {
	repo := &scriptedRepo{}
	_, engine, tr := newServiceFixture(t, repo)
	msgSvc := NewMessageService(tr, repo, engine, zap.NewNop().Sugar())

	err := msgSvc.SendText(context.Background(), "c1", "   ")
	var vErr *imerr.ValidationError
	require.ErrorAs(t, err, &vErr)
	_, emitted := tr.lastEmitted()
	assert.False(t, emitted, "校验失败不发出任何事件")
}

func TestSendFileUploadsThenEmits(t *testing.T) {
	repo := &scriptedRepo{}
	_, engine, tr := newServiceFixture(t, repo)
	msgSvc := NewMessageService(tr, repo, engine, zap.NewNop().Sugar())

	err := msgSvc.SendFile(context.Background(), "c1", "photo.png", nil, 42, nil)
	require.NoError(t, err)
	ev, ok := tr.lastEmitted()
	require.True(t, ok)
	var p imtypes.SendMessagePayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, models.FileMessageType, p.Type)
	require.NotNil(t, p.Metadata)
	assert.Equal(t, "photo.png", p.Metadata.FileName)
	assert.Equal(t, int64(42), p.Metadata.FileSize)
}
