package store

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
	"chatsync/internal/imtypes"
	"chatsync/internal/models"
	"chatsync/internal/storage"
)

// fakeTransport 记录发出的事件与加入的房间，供断言使用。
type fakeTransport struct {
	mu      sync.Mutex
	handler func(imtypes.Event)
	emitted []imtypes.Event
	joined  []string
}

func (f *fakeTransport) Connect(ctx context.Context, identity auth.Identity) error { return nil }
func (f *fakeTransport) Disconnect()                                               {}
func (f *fakeTransport) Connected() bool                                           { return true }

func (f *fakeTransport) Emit(ev imtypes.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, ev)
	return nil
}

func (f *fakeTransport) JoinRoom(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, conversationID)
	return nil
}

func (f *fakeTransport) OnEvent(fn func(imtypes.Event)) { f.handler = fn }

// push 模拟服务端推送一个事件。
func (f *fakeTransport) push(t *testing.T, eventType imtypes.EventType, payload interface{}) {
	t.Helper()
	ev, err := imtypes.NewEvent(eventType, payload)
	require.NoError(t, err)
	f.handler(ev)
}

func (f *fakeTransport) emittedOfType(eventType imtypes.EventType) []imtypes.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []imtypes.Event
	for _, ev := range f.emitted {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeRepo 是内存里的 ConversationRepository 假实现。
// blockConvo 非空时，对该会话的 GetMessages 会阻塞到 release 被关闭。
type fakeRepo struct {
	mu         sync.Mutex
	convos     []*models.Conversation
	messages   map[string][]*models.Message
	convosErr  error
	msgsErr    error
	msgsCalls  int
	blockConvo string
	release    chan struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{messages: make(map[string][]*models.Message)}
}

func (f *fakeRepo) GetConversations(ctx context.Context) ([]*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convosErr != nil {
		return nil, f.convosErr
	}
	out := make([]*models.Conversation, 0, len(f.convos))
	for _, c := range f.convos {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

func (f *fakeRepo) GetMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	f.mu.Lock()
	blocked := f.blockConvo == conversationID
	release := f.release
	f.msgsCalls++
	f.mu.Unlock()

	if blocked {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgsErr != nil {
		return nil, f.msgsErr
	}
	msgs := f.messages[conversationID]
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		mm := *m
		out = append(out, &mm)
	}
	return out, nil
}

func (f *fakeRepo) CreateConversation(ctx context.Context, input storage.CreateConversationInput) (string, error) {
	return "", nil
}

func (f *fakeRepo) UploadFile(ctx context.Context, conversationID, fileName string, r io.Reader, size int64, progress func(written, total int64)) (*models.FileMetadata, error) {
	return nil, nil
}

func (f *fakeRepo) messageCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgsCalls
}

func testConfig() config.Config {
	return config.Config{
		Typing: config.TypingConfig{DebounceMillis: 60, RemoteExpirySeconds: 1},
		Reads:  config.ReadsConfig{GroupReaderCap: 2},
	}
}

func newTestStore(t *testing.T, repo *fakeRepo) (*Store, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s := NewStore(auth.Identity{UserID: "me", Username: "me"}, tr, repo, testConfig(), zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s, tr
}

func makeConvo(id string, convType models.ConversationType, activity time.Time, participants ...string) *models.Conversation {
	c := &models.Conversation{ID: id, Type: convType, LastActivity: activity}
	for _, p := range participants {
		c.Participants = append(c.Participants, models.Participant{UserID: p, DisplayName: p})
	}
	return c
}

func makeMsg(id, convoID, sender, content string) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: convoID,
		SenderID:       sender,
		Type:           models.TextMessageType,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

func waitTimeline(t *testing.T, s *Store, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Timeline()) == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoadConversationsSelectsMostRecent(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.convos = []*models.Conversation{
		makeConvo("c-old", models.DirectConversation, now.Add(-time.Hour), "me", "bob"),
		makeConvo("c-new", models.GroupConversation, now, "me", "bob", "carol"),
	}
	repo.messages["c-new"] = []*models.Message{makeMsg("m1", "c-new", "bob", "hi")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))

	convos := s.Conversations()
	require.Len(t, convos, 2)
	assert.Equal(t, "c-new", convos[0].ID, "列表按最近活动降序")
	assert.Equal(t, "c-new", s.ActiveConversationID())
	waitTimeline(t, s, 1)

	tr.mu.Lock()
	joined := append([]string(nil), tr.joined...)
	tr.mu.Unlock()
	assert.Contains(t, joined, "c-new")
}

func TestLoadConversationsErrorSetsBanner(t *testing.T) {
	repo := newFakeRepo()
	repo.convosErr = assert.AnError

	s, _ := newTestStore(t, repo)
	require.Error(t, s.LoadConversations(context.Background(), ""))
	assert.NotEmpty(t, s.Banner())
	assert.Empty(t, s.ActiveConversationID())
}

func TestSwitchReplacesTimelineWholesale(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.convos = []*models.Conversation{
		makeConvo("c1", models.DirectConversation, now, "me", "bob"),
		makeConvo("c2", models.DirectConversation, now.Add(-time.Minute), "me", "carol"),
	}
	repo.messages["c1"] = []*models.Message{makeMsg("m1", "c1", "bob", "a"), makeMsg("m2", "c1", "me", "b")}
	repo.messages["c2"] = []*models.Message{makeMsg("m3", "c2", "carol", "c")}

	s, _ := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 2)

	s.SwitchActiveConversation("c2")
	require.Eventually(t, func() bool {
		tl := s.Timeline()
		return len(tl) == 1 && tl[0].ID == "m3"
	}, 2*time.Second, 5*time.Millisecond, "切换后时间线整体替换为新会话内容")
}

func TestStaleHistoryResponseDiscarded(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.convos = []*models.Conversation{
		makeConvo("c1", models.DirectConversation, now, "me", "bob"),
		makeConvo("c2", models.DirectConversation, now.Add(-time.Minute), "me", "carol"),
	}
	repo.messages["c1"] = []*models.Message{makeMsg("m1", "c1", "bob", "slow")}
	repo.messages["c2"] = []*models.Message{makeMsg("m2", "c2", "carol", "fast")}
	repo.blockConvo = "c1"
	repo.release = make(chan struct{})

	s, _ := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), "")) // 选中 c1，其历史请求被卡住
	s.SwitchActiveConversation("c2")
	require.Eventually(t, func() bool {
		tl := s.Timeline()
		return len(tl) == 1 && tl[0].ID == "m2"
	}, 2*time.Second, 5*time.Millisecond)

	// 放行迟到的 c1 响应：必须被丢弃，而不是覆盖 c2 的时间线
	close(repo.release)
	time.Sleep(100 * time.Millisecond)
	tl := s.Timeline()
	require.Len(t, tl, 1)
	assert.Equal(t, "m2", tl[0].ID)
	assert.Equal(t, "c2", s.ActiveConversationID())
}

func TestIncomingMessageOnlyAppendsToActive(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.convos = []*models.Conversation{
		makeConvo("c1", models.DirectConversation, now, "me", "bob"),
		makeConvo("c2", models.DirectConversation, now.Add(-time.Minute), "me", "carol"),
	}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 0)

	// 活跃会话的消息进入时间线
	tr.push(t, imtypes.EventNewMessage, imtypes.NewMessagePayload{Message: *makeMsg("m1", "c1", "bob", "hello")})
	tl := s.Timeline()
	require.Len(t, tl, 1)
	assert.Equal(t, "m1", tl[0].ID)

	// 非活跃会话的消息不进时间线，但更新摘要并把会话顶到列表首位
	tr.push(t, imtypes.EventNewMessage, imtypes.NewMessagePayload{Message: *makeMsg("m2", "c2", "carol", "psst")})
	require.Len(t, s.Timeline(), 1)
	convos := s.Conversations()
	assert.Equal(t, "c2", convos[0].ID)
	require.NotNil(t, convos[0].LastMessage)
	assert.Equal(t, "psst", convos[0].LastMessage.Content)
}

func TestIncomingMessageClearsSenderTyping(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.DirectConversation, time.Now(), "me", "bob")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 0)

	tr.push(t, imtypes.EventUserTyping, imtypes.UserTypingPayload{ConversationID: "c1", UserID: "bob", IsTyping: true, DisplayName: "Bob"})
	require.Len(t, s.RemoteTypers(), 1)

	tr.push(t, imtypes.EventNewMessage, imtypes.NewMessagePayload{Message: *makeMsg("m1", "c1", "bob", "done typing")})
	assert.Empty(t, s.RemoteTypers(), "发出消息即不再处于输入状态")
}

func TestReactionUpdateReplacesWholesale(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.DirectConversation, time.Now(), "me", "bob")}
	msg := makeMsg("m1", "c1", "bob", "hi")
	msg.Reactions = []models.Reaction{{UserID: "me", Emoji: "👍"}}
	repo.messages["c1"] = []*models.Message{msg}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 1)

	tr.push(t, imtypes.EventReactionUpdate, imtypes.ReactionUpdatePayload{
		MessageID: "m1",
		Version:   1,
		Reactions: []models.Reaction{{UserID: "bob", Emoji: "🎉"}},
	})
	tl := s.Timeline()
	require.Len(t, tl[0].Reactions, 1)
	assert.Equal(t, "🎉", tl[0].Reactions[0].Emoji, "整体替换，旧状态不保留")

	// 乱序到达的旧版本被忽略
	tr.push(t, imtypes.EventReactionUpdate, imtypes.ReactionUpdatePayload{
		MessageID: "m1",
		Version:   1,
		Reactions: nil,
	})
	tl = s.Timeline()
	require.Len(t, tl[0].Reactions, 1)
}

func TestReactionVersionGapTriggersResync(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.DirectConversation, time.Now(), "me", "bob")}
	repo.messages["c1"] = []*models.Message{makeMsg("m1", "c1", "bob", "hi")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 1)
	before := repo.messageCalls()

	tr.push(t, imtypes.EventReactionUpdate, imtypes.ReactionUpdatePayload{
		MessageID: "m1", Version: 1,
		Reactions: []models.Reaction{{UserID: "bob", Emoji: "👍"}},
	})
	// 版本从 1 跳到 3：负载照常应用，同时触发一次历史重拉
	tr.push(t, imtypes.EventReactionUpdate, imtypes.ReactionUpdatePayload{
		MessageID: "m1", Version: 3,
		Reactions: []models.Reaction{{UserID: "bob", Emoji: "👍"}, {UserID: "carol", Emoji: "🔥"}},
	})
	require.Eventually(t, func() bool {
		return repo.messageCalls() > before
	}, 2*time.Second, 5*time.Millisecond)
}

func TestToggleReactionIsConfirmationDriven(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.DirectConversation, time.Now(), "me", "bob")}
	repo.messages["c1"] = []*models.Message{makeMsg("m1", "c1", "bob", "hi")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 1)

	require.NoError(t, s.ToggleReaction("m1", "👍"))
	require.Len(t, tr.emittedOfType(imtypes.EventAddReaction), 1)
	assert.Empty(t, s.Timeline()[0].Reactions, "发出请求前后不做任何本地改动")
}

func TestReadAckFiresExactlyOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.DirectConversation, time.Now(), "me", "bob")}
	repo.messages["c1"] = []*models.Message{makeMsg("m1", "c1", "bob", "hi")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 1)

	obs := s.ObserveMessage("m1")
	obs.NotifyFullyVisible()
	obs.NotifyFullyVisible()
	require.Len(t, tr.emittedOfType(imtypes.EventMarkRead), 1, "同一观察者只触发一次")

	// 重新渲染产生新观察者：消息已确认过，不再发出
	s.ObserveMessage("m1").NotifyFullyVisible()
	require.Len(t, tr.emittedOfType(imtypes.EventMarkRead), 1)
}

func TestReadAckGuards(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.DirectConversation, time.Now(), "me", "bob")}
	own := makeMsg("m-own", "c1", "me", "mine")
	already := makeMsg("m-read", "c1", "bob", "seen")
	already.ReadBy = []models.ReadReceipt{{UserID: "me", ReadAt: time.Now()}}
	repo.messages["c1"] = []*models.Message{own, already}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 2)

	s.ObserveMessage("m-own").NotifyFullyVisible()
	s.ObserveMessage("m-read").NotifyFullyVisible()
	assert.Empty(t, tr.emittedOfType(imtypes.EventMarkRead), "自己发的和已读过的消息都不确认")
}

func TestMessageReadDedupesByUser(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.GroupConversation, time.Now(), "me", "bob", "carol")}
	repo.messages["c1"] = []*models.Message{makeMsg("m1", "c1", "me", "hi all")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 1)

	reader := models.ReadReceipt{UserID: "bob", ReadAt: time.Now(), DisplayName: "Bob"}
	tr.push(t, imtypes.EventMessageRead, imtypes.MessageReadPayload{ConversationID: "c1", MessageID: "m1", Reader: reader})
	tr.push(t, imtypes.EventMessageRead, imtypes.MessageReadPayload{ConversationID: "c1", MessageID: "m1", Reader: reader})

	tl := s.Timeline()
	require.Len(t, tl[0].ReadBy, 1, "同一用户的重复已读事件合并为一条")
	assert.Equal(t, "bob", tl[0].ReadBy[0].UserID)
}

func TestAckedSetResetOnHistoryReplace(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.convos = []*models.Conversation{
		makeConvo("c1", models.DirectConversation, now, "me", "bob"),
		makeConvo("c2", models.DirectConversation, now.Add(-time.Hour), "me", "carol"),
	}
	repo.messages["c1"] = []*models.Message{makeMsg("m1", "c1", "bob", "hi")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 1)

	ackedLen := func() int {
		var n int
		s.exec(func() { n = len(s.acked) })
		return n
	}

	s.ObserveMessage("m1").NotifyFullyVisible()
	require.Len(t, tr.emittedOfType(imtypes.EventMarkRead), 1)
	require.Equal(t, 1, ackedLen())

	// 服务端已把这次阅读落到消息上，后续拉取会带回已读记录
	repo.mu.Lock()
	repo.messages["c1"][0].ReadBy = []models.ReadReceipt{{UserID: "me", ReadAt: now}}
	repo.mu.Unlock()

	// 历史整体替换后确认集合清空，不随会话切换累积
	s.SwitchActiveConversation("c2")
	require.Eventually(t, func() bool {
		return ackedLen() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// 切回后旧消息不会二次确认，消息上的已读记录充当闸门
	s.SwitchActiveConversation("c1")
	waitTimeline(t, s, 1)
	s.ObserveMessage("m1").NotifyFullyVisible()
	assert.Len(t, tr.emittedOfType(imtypes.EventMarkRead), 1)
}

func TestLocalTypingDebounce(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.DirectConversation, time.Now(), "me", "bob")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 0)

	s.KeyStroke()
	s.KeyStroke()
	s.KeyStroke()
	require.Len(t, tr.emittedOfType(imtypes.EventTyping), 1, "连续键入只发出一次 start")

	// 停顿超过去抖时长后发出 stop
	require.Eventually(t, func() bool {
		evs := tr.emittedOfType(imtypes.EventTyping)
		if len(evs) != 2 {
			return false
		}
		var p imtypes.TypingPayload
		require.NoError(t, evs[1].Decode(&p))
		return !p.IsTyping
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoteTypingExpires(t *testing.T) {
	repo := newFakeRepo()
	repo.convos = []*models.Conversation{makeConvo("c1", models.DirectConversation, time.Now(), "me", "bob")}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 0)

	tr.push(t, imtypes.EventUserTyping, imtypes.UserTypingPayload{ConversationID: "c1", UserID: "bob", IsTyping: true})
	require.Len(t, s.RemoteTypers(), 1)

	// stop 事件丢失时条目靠超时回收
	require.Eventually(t, func() bool {
		return len(s.RemoteTypers()) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSwitchClearsRemoteTyping(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.convos = []*models.Conversation{
		makeConvo("c1", models.DirectConversation, now, "me", "bob"),
		makeConvo("c2", models.DirectConversation, now.Add(-time.Minute), "me", "carol"),
	}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 0)

	tr.push(t, imtypes.EventUserTyping, imtypes.UserTypingPayload{ConversationID: "c1", UserID: "bob", IsTyping: true})
	require.Len(t, s.RemoteTypers(), 1)

	s.SwitchActiveConversation("c2")
	assert.Empty(t, s.RemoteTypers(), "输入状态不跨会话渗透")

	// 切回旧会话也不许残留
	s.SwitchActiveConversation("c1")
	assert.Empty(t, s.RemoteTypers())
}

func TestTypingEventsForOtherConversationsIgnored(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.convos = []*models.Conversation{
		makeConvo("c1", models.DirectConversation, now, "me", "bob"),
		makeConvo("c2", models.DirectConversation, now.Add(-time.Minute), "me", "carol"),
	}

	s, tr := newTestStore(t, repo)
	require.NoError(t, s.LoadConversations(context.Background(), ""))
	waitTimeline(t, s, 0)

	tr.push(t, imtypes.EventUserTyping, imtypes.UserTypingPayload{ConversationID: "c2", UserID: "carol", IsTyping: true})
	tr.push(t, imtypes.EventUserTyping, imtypes.UserTypingPayload{ConversationID: "c1", UserID: "me", IsTyping: true})
	assert.Empty(t, s.RemoteTypers(), "非活跃会话与本端自己的事件都被忽略")
}
