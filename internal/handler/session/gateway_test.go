package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	model "github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/protocol"
	speechmodel "github.com/zhouzirui/novel-mvp/backend/internal/model/speech"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/ai"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/auth"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
	emotionservice "github.com/zhouzirui/novel-mvp/backend/internal/service/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/speech"
	storyservice "github.com/zhouzirui/novel-mvp/backend/internal/service/story"
)

const testSecret = "gateway-test-secret"

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	fail    int
	// delay 只作用于第一次调用。
	delay time.Duration
}

func (s *scriptedCompleter) Complete(_ context.Context, _ string, _ []model.Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
		s.delay = 0
	}
	if s.fail > 0 {
		s.fail--
		return "", errors.New("model overloaded")
	}
	if len(s.replies) == 0 {
		return "네, 계속 말씀해 주세요.", nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

type fixedCompleter string

func (f fixedCompleter) Complete(context.Context, string, []model.Turn) (string, error) {
	return string(f), nil
}

type fakeSynthesizer struct {
	mu       sync.Mutex
	emotions []string
	err      error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, sessionID, text, emotion string) (*speechmodel.TTSResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emotions = append(f.emotions, emotion)
	if f.err != nil {
		return nil, f.err
	}
	return &speechmodel.TTSResponse{SessionID: sessionID, AudioData: []byte("audio:" + text), Format: "mp3"}, nil
}

type recordingTracker struct {
	*conversation.Store
	detached chan string
}

func (r recordingTracker) Detach(id string) {
	r.Store.Detach(id)
	r.detached <- id
}

const storyReply = `{"title":"함께한 저녁","genre":"가족 드라마","emotionalArc":"설렘에서 따뜻함으로","keyMoments":["식탁"],"content":"`

type harness struct {
	server    *httptest.Server
	signer    *auth.Signer
	store     *conversation.Store
	completer *scriptedCompleter
}

func newHarness(t *testing.T, completer *scriptedCompleter, configure func(*Dependencies)) *harness {
	t.Helper()
	return newTunedHarness(t, completer, configure, nil)
}

func newTunedHarness(t *testing.T, completer *scriptedCompleter, configure func(*Dependencies), tune func(*Handler)) *harness {
	t.Helper()

	store := conversation.NewStore(time.Minute)
	guarded := ai.NewGuard("scripted", completer, 2*time.Second, nil)
	orchestrator := conversation.NewOrchestrator(store, guarded, nil, config.MinStoryTurns)

	emotions, err := emotionservice.NewService(fixedCompleter(
		`{"primaryEmotion":"love","confidence":0.9,"intensity":0.8,"secondaryEmotions":["joy"],"keywords":["가족"],"sentiment":"positive"}`))
	require.NoError(t, err)

	content := strings.Repeat("가족과 함께한 저녁은 따뜻했다. ", 25)
	stories, err := storyservice.NewService(fixedCompleter(storyReply+content+`"}`), config.StoryConfig{MinLength: 400, MaxLength: 600}, nil)
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier(testSecret, "", "")
	require.NoError(t, err)

	deps := Dependencies{
		Verifier:         verifier,
		Conversations:    orchestrator,
		Tracker:          store,
		Emotions:         emotions,
		Stories:          stories,
		HandshakeTimeout: 2 * time.Second,
	}
	if configure != nil {
		configure(&deps)
	}

	handler := New(deps)
	if tune != nil {
		tune(handler)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &harness{
		server:    server,
		signer:    auth.NewSigner(testSecret, "", ""),
		store:     store,
		completer: completer,
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	token, err := h.signer.SignAccess(userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)

	send(t, conn, protocol.AuthRequest{Token: token})
	resp := expect[protocol.AuthResponse](t, conn)
	require.True(t, resp.Success, resp.Message)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func expect[T protocol.Message](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	msg := read(t, conn)
	got, ok := msg.(T)
	require.Truef(t, ok, "expected %T, got %T: %+v", *new(T), msg, msg)
	return got
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
			return
		}
		msg, decodeErr := protocol.Decode(data)
		require.NoError(t, decodeErr)
		_, isText := msg.(protocol.TextOutput)
		require.False(t, isText, "no TextOutput may be sent before authentication")
	}
}

func TestStoryFromThreeTurns(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{replies: []string{
		"정말 좋은 일이 있었군요! 어떤 일이었나요? [CONTEXT: 행복한 일이 있었던 하루] [EMOTION: 기쁨] [READY_FOR_STORY]",
		"가족이 모두 모였다니 따뜻하네요. [CONTEXT: 오랜만에 가족이 모두 모여 저녁을 먹음] [EMOTION: love]",
		"소중한 시간이었네요. [CONTEXT: 가족의 소중함을 다시 느낌] [READY_FOR_STORY]",
	}}, nil)
	conn := h.connect(t, "alice")

	send(t, conn, protocol.TextInput{Text: "오늘 행복한 일이 있었어요", ConversationID: "conv-a"})
	first := expect[protocol.TextOutput](t, conn)
	assert.False(t, first.ReadyForStory, "readiness must wait for three turns")
	assert.Equal(t, "joy", first.Emotion)
	assert.NotContains(t, first.Text, "[")
	assert.NotEmpty(t, first.SuggestedQuestions)
	assert.Empty(t, first.CollectedContext)

	send(t, conn, protocol.TextInput{Text: "오랜만에 가족이 모두 모여 저녁을 먹었어요", ConversationID: "conv-a"})
	second := expect[protocol.TextOutput](t, conn)
	assert.False(t, second.ReadyForStory)
	assert.Equal(t, "love", second.Emotion)

	send(t, conn, protocol.TextInput{Text: "가족이 있어서 참 다행이라고 느꼈어요", ConversationID: "conv-a"})
	third := expect[protocol.TextOutput](t, conn)
	assert.True(t, third.ReadyForStory)
	assert.Contains(t, third.CollectedContext, "가족이 모두 모여")
	assert.Empty(t, third.SuggestedQuestions)

	send(t, conn, protocol.GenerateStory{ConversationID: "conv-a"})
	story := expect[protocol.StoryOutput](t, conn)
	assert.Contains(t, story.Content, "가족")
	assert.NotEmpty(t, story.Genre)
	assert.NotEmpty(t, story.Title)
	assert.Equal(t, "love", story.Emotion)
	n := len([]rune(story.Content))
	assert.True(t, n >= 400 && n <= 600, "content length %d", n)
}

func TestTextInputBeforeAuthClosesConnection(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{}, nil)
	conn := h.dial(t)

	send(t, conn, protocol.TextInput{Text: "안녕하세요", ConversationID: "conv-b"})
	expectPolicyClose(t, conn)
	assert.Zero(t, h.store.Len())
}

func TestUpstreamFailureIsRecoverable(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{fail: 1}, nil)
	conn := h.connect(t, "alice")

	send(t, conn, protocol.TextInput{Text: "오늘 행복한 일이 있었어요", ConversationID: "conv-c"})
	failure := expect[protocol.Error](t, conn)
	assert.Equal(t, protocol.CodeUpstream, failure.Code)

	send(t, conn, protocol.TextInput{Text: "오늘 행복한 일이 있었어요", ConversationID: "conv-c"})
	out := expect[protocol.TextOutput](t, conn)
	assert.NotEmpty(t, out.Text)
	// 失败的那一轮不计入轮次
	assert.Equal(t, []string{"그 일은 언제, 어디에서 있었나요?", "그때 누구와 함께 있었나요?", "그 순간 어떤 기분이 드셨나요?"}, out.SuggestedQuestions)
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{}, func(d *Dependencies) {
		d.HandshakeTimeout = 100 * time.Millisecond
	})
	conn := h.dial(t)

	resp := expect[protocol.AuthResponse](t, conn)
	assert.False(t, resp.Success)
	expectPolicyClose(t, conn)
}

func TestRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{}, nil)

	refresh, err := h.signer.Sign("alice", "alice@example.com", "refresh", time.Hour)
	require.NoError(t, err)
	expired, err := h.signer.SignAccess("alice", "alice@example.com", -time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{"wrong type": refresh, "expired": expired, "garbage": "not-a-jwt", "missing": ""} {
		t.Run(name, func(t *testing.T) {
			conn := h.dial(t)
			send(t, conn, protocol.AuthRequest{Token: token})
			resp := expect[protocol.AuthResponse](t, conn)
			assert.False(t, resp.Success)
			expectPolicyClose(t, conn)
		})
	}
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{}, nil)
	conn := h.connect(t, "alice")

	cases := []struct {
		name string
		send func()
		code string
	}{
		{"not json", func() { require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello"))) }, protocol.CodeInvalidMessage},
		{"unknown type", func() { require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Dance"}`))) }, protocol.CodeInvalidMessage},
		{"binary frame", func() { require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})) }, protocol.CodeInvalidMessage},
		{"server variant", func() { send(t, conn, protocol.TextOutput{Text: "x"}) }, protocol.CodeUnsupportedMessage},
		{"second auth", func() { send(t, conn, protocol.AuthRequest{Token: "again"}) }, protocol.CodeAlreadyAuthenticated},
		{"empty text", func() { send(t, conn, protocol.TextInput{Text: " ", ConversationID: "conv"}) }, protocol.CodeInvalidMessage},
		{"story without id", func() { send(t, conn, protocol.GenerateStory{}) }, protocol.CodeInvalidMessage},
	}
	for _, tc := range cases {
		tc.send()
		got := expect[protocol.Error](t, conn)
		assert.Equal(t, tc.code, got.Code, tc.name)
	}

	send(t, conn, protocol.TextInput{Text: "그래도 대화는 계속돼요", ConversationID: "conv"})
	expect[protocol.TextOutput](t, conn)
}

func TestAudioFollowsTextOutput(t *testing.T) {
	synth := &fakeSynthesizer{}
	h := newHarness(t, &scriptedCompleter{replies: []string{
		"좋은 하루였네요. [EMOTION: 기쁨]",
		"그랬군요.",
	}}, func(d *Dependencies) { d.Speech = synth })
	conn := h.connect(t, "alice")

	send(t, conn, protocol.TextInput{Text: "오늘 산책을 했어요", ConversationID: "conv"})
	text := expect[protocol.TextOutput](t, conn)
	audio := expect[protocol.AudioOutput](t, conn)
	assert.Equal(t, "audio:"+text.Text, string(audio.AudioData))
	assert.Equal(t, "mp3", audio.Format)
	assert.Equal(t, "joy", audio.Emotion)

	// 没有情绪标记时用关键词推断语音情绪
	send(t, conn, protocol.TextInput{Text: "오늘 행복한 일이 있었어요", ConversationID: "conv"})
	expect[protocol.TextOutput](t, conn)
	audio = expect[protocol.AudioOutput](t, conn)
	assert.Equal(t, "joy", audio.Emotion)

	synth.mu.Lock()
	synth.err = errors.New("tts down")
	synth.mu.Unlock()

	send(t, conn, protocol.TextInput{Text: "계속할게요", ConversationID: "conv"})
	expect[protocol.TextOutput](t, conn)
	failure := expect[protocol.Error](t, conn)
	assert.Equal(t, protocol.CodeSpeech, failure.Code)
}

func TestStoryRequestErrors(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{}, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	send(t, alice, protocol.GenerateStory{ConversationID: "missing"})
	assert.Equal(t, protocol.CodeConversationNotFound, expect[protocol.Error](t, alice).Code)

	send(t, alice, protocol.TextInput{Text: "할머니 댁에 갔던 여름", ConversationID: "alice-conv"})
	expect[protocol.TextOutput](t, alice)

	send(t, bob, protocol.GenerateStory{ConversationID: "alice-conv"})
	assert.Equal(t, protocol.CodeForbidden, expect[protocol.Error](t, bob).Code)

	send(t, bob, protocol.TextInput{Text: "제 이야기도 들어주세요", ConversationID: "alice-conv"})
	assert.Equal(t, protocol.CodeForbidden, expect[protocol.Error](t, bob).Code)
}

func TestCloseDetachesConversations(t *testing.T) {
	detached := make(chan string, 4)
	var store *conversation.Store
	h := newHarness(t, &scriptedCompleter{}, func(d *Dependencies) {
		store = d.Tracker.(*conversation.Store)
		d.Tracker = recordingTracker{Store: store, detached: detached}
	})
	conn := h.connect(t, "alice")

	send(t, conn, protocol.TextInput{Text: "첫 이야기", ConversationID: "conv-1"})
	expect[protocol.TextOutput](t, conn)
	send(t, conn, protocol.TextInput{Text: "둘째 이야기", ConversationID: "conv-1"})
	expect[protocol.TextOutput](t, conn)
	require.NoError(t, conn.Close())

	select {
	case id := <-detached:
		assert.Equal(t, "conv-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("conversation was not detached on close")
	}
	assert.Equal(t, 1, store.Len(), "detach keeps the conversation for a reconnect")

	resumed := h.connect(t, "alice")
	send(t, resumed, protocol.TextInput{Text: "셋째 이야기", ConversationID: "conv-1"})
	out := expect[protocol.TextOutput](t, resumed)
	assert.Equal(t, []string{"그 경험이 지금의 당신에게 어떤 의미인가요?", "이야기에 꼭 담고 싶은 장면이 있나요?", "그 뒤로 달라진 것이 있나요?"}, out.SuggestedQuestions)
}

func TestReleaseOnCloseClearsConversations(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{}, func(d *Dependencies) { d.ReleaseOnClose = true })
	conn := h.connect(t, "alice")

	send(t, conn, protocol.TextInput{Text: "잠깐 들렀어요", ConversationID: "conv-1"})
	expect[protocol.TextOutput](t, conn)
	require.Equal(t, 1, h.store.Len())
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return h.store.Len() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestReleaseOnCloseKeepsConversationsInUse(t *testing.T) {
	h := newHarness(t, &scriptedCompleter{}, func(d *Dependencies) { d.ReleaseOnClose = true })
	first := h.connect(t, "alice")
	second := h.connect(t, "alice")

	send(t, first, protocol.TextInput{Text: "첫 이야기", ConversationID: "shared"})
	expect[protocol.TextOutput](t, first)
	send(t, second, protocol.TextInput{Text: "둘째 이야기", ConversationID: "shared"})
	expect[protocol.TextOutput](t, second)

	require.NoError(t, first.Close())
	// 第一个连接的关闭处理完成后，第二个连接仍然持有会话。
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, h.store.Len())

	send(t, second, protocol.TextInput{Text: "셋째 이야기", ConversationID: "shared"})
	out := expect[protocol.TextOutput](t, second)
	assert.Equal(t, []string{"그 경험이 지금의 당신에게 어떤 의미인가요?", "이야기에 꼭 담고 싶은 장면이 있나요?", "그 뒤로 달라진 것이 있나요?"}, out.SuggestedQuestions)

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return h.store.Len() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestFullInboundQueueDoesNotExpireReadDeadline(t *testing.T) {
	const frames = inboundBuffer + 8
	h := newTunedHarness(t, &scriptedCompleter{delay: time.Second}, nil, func(handler *Handler) {
		handler.pongWait = 300 * time.Millisecond
		handler.pingInterval = 100 * time.Millisecond
	})
	conn := h.connect(t, "alice")

	for i := 0; i < frames; i++ {
		send(t, conn, protocol.TextInput{Text: "계속 이야기할게요", ConversationID: "busy"})
	}
	// 客户端在读取期间自动回复 ping，连接必须撑过第一轮的慢调用。
	for i := 0; i < frames; i++ {
		expect[protocol.TextOutput](t, conn)
	}

	snapshot, err := h.store.Peek("busy", "alice")
	require.NoError(t, err)
	assert.Equal(t, frames, snapshot.TurnCount)
}

func TestErrorFrameMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		code string
	}{
		"invalid":   {conversation.ErrInvalidInput, protocol.CodeInvalidMessage},
		"not found": {conversation.ErrNotFound, protocol.CodeConversationNotFound},
		"forbidden": {conversation.ErrForbidden, protocol.CodeForbidden},
		"empty":     {storyservice.ErrEmptyContext, protocol.CodeEmptyConversation},
		"upstream":  {ai.AsUpstream("ark", errors.New("quota")), protocol.CodeUpstream},
		"speech":    {speech.ErrEmptyAudio, protocol.CodeSpeech},
		"other":     {errors.New("boom"), protocol.CodeInternal},
	}
	for name, tc := range cases {
		frame := errorFrame(tc.err)
		assert.Equal(t, tc.code, frame.Code, name)
		assert.NotEmpty(t, frame.Message, name)
		assert.NotContains(t, frame.Message, "quota", name)
	}
}
