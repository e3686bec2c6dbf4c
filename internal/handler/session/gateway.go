// Package session 实现故事会话的 WebSocket 网关：握手认证、逐帧路由与错误转换。
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	analysis "github.com/zhouzirui/novel-mvp/backend/internal/analysis/emotion"
	model "github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/protocol"
	storymodel "github.com/zhouzirui/novel-mvp/backend/internal/model/story"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/auth"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/speech"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	pingInterval            = 54 * time.Second
	pongWait                = 60 * time.Second
	writeWait               = 10 * time.Second
	inboundBuffer           = 32
)

// Conversations 是对话编排器，*conversation.Orchestrator 满足该接口。
type Conversations interface {
	Process(ctx context.Context, userID, message, conversationID string) (*conversation.Result, error)
	Snapshot(ctx context.Context, userID, conversationID string) (model.Context, error)
}

// Tracker 记录连接与会话的关联，*conversation.Store 满足该接口。
type Tracker interface {
	Attach(id string) bool
	Detach(id string)
	// Release 解除关联，且在没有其他连接使用时移除会话。
	Release(id string) bool
}

// EmotionAnalyzer 是情绪分析阶段。
type EmotionAnalyzer interface {
	Analyze(ctx context.Context, text string, convCtx *model.Context, previous []string) (emotion.Report, error)
}

// StoryWriter 是故事生成阶段。
type StoryWriter interface {
	Generate(ctx context.Context, convCtx model.Context, report emotion.Report, userID string, highlights []string) (storymodel.Result, error)
}

// Recorder 记录网关指标，*metrics.Recorder 满足该接口。
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	ObserveFrame(direction, frameType string)
	AuthFailed(reason string)
	ErrorFrame(code string)
}

// Dependencies 汇总网关依赖。Speech 与 Recorder 可以为空。
type Dependencies struct {
	Verifier      auth.Verifier
	Conversations Conversations
	Tracker       Tracker
	Emotions      EmotionAnalyzer
	Stories       StoryWriter
	Speech        speech.Synthesizer
	Recorder      Recorder

	HandshakeTimeout time.Duration
	// ReleaseOnClose 为 true 时连接关闭即清除它使用过且无人再用的会话，否则只解除关联。
	ReleaseOnClose bool
}

// Handler 是 WebSocket 会话网关
type Handler struct {
	deps     Dependencies
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration
}

// New 创建网关
func New(deps Dependencies) *Handler {
	if deps.HandshakeTimeout <= 0 {
		deps.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := NewSession(uuid.New().String())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	c := &connection{
		h:        h,
		ws:       ws,
		session:  sess,
		attached: make(map[string]struct{}),
	}
	if err := sess.Connected(); err != nil {
		log.Printf("[gateway] connection=%s: %v", sess.ConnectionID, err)
		ws.Close()
		return
	}

	h.recorder().ConnectionOpened()
	defer h.recorder().ConnectionClosed()

	// 连接级 context：读循环退出即取消本连接的所有上游调用
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer c.close()

	log.Printf("[gateway] connection=%s opened remote=%s", sess.ConnectionID, r.RemoteAddr)
	if !c.handshake(ctx) {
		return
	}
	c.serve(ctx, cancel)
}

func (h *Handler) recorder() Recorder {
	if h.deps.Recorder == nil {
		return nopRecorder{}
	}
	return h.deps.Recorder
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened()           {}
func (nopRecorder) ConnectionClosed()           {}
func (nopRecorder) ObserveFrame(string, string) {}
func (nopRecorder) AuthFailed(string)           {}
func (nopRecorder) ErrorFrame(string)           {}

type inboundFrame struct {
	messageType int
	data        []byte
}

type connection struct {
	h        *Handler
	ws       *websocket.Conn
	session  *Session
	attached map[string]struct{}
}

// handshake 等待首帧 AuthRequest；失败时回复 AuthResponse{success:false} 并以 1008 关闭。
func (c *connection) handshake(ctx context.Context) bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.h.deps.HandshakeTimeout))

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.rejectHandshake("timeout", "authentication timed out")
			return false
		}
		log.Printf("[gateway] connection=%s closed during handshake: %v", c.session.ConnectionID, err)
		return false
	}
	if messageType != websocket.TextMessage {
		c.rejectHandshake("protocol", "first frame must be an AuthRequest")
		return false
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.rejectHandshake("protocol", "first frame must be an AuthRequest")
		return false
	}
	c.h.recorder().ObserveFrame("in", string(msg.Type()))

	req, ok := msg.(protocol.AuthRequest)
	if !ok {
		c.rejectHandshake("protocol", "authentication required before "+string(msg.Type()))
		return false
	}

	identity, err := c.h.deps.Verifier.Verify(ctx, req.Token)
	if err != nil {
		log.Printf("[gateway] connection=%s authentication failed: %v", c.session.ConnectionID, err)
		c.rejectHandshake(authFailureReason(err), "authentication failed")
		return false
	}
	if err := c.session.Authenticate(identity); err != nil {
		c.rejectHandshake("protocol", "authentication failed")
		return false
	}

	log.Printf("[gateway] connection=%s authenticated user=%s", c.session.ConnectionID, identity.UserID)
	return c.send(protocol.AuthResponse{Success: true}) == nil
}

func (c *connection) rejectHandshake(reason, message string) {
	c.h.recorder().AuthFailed(reason)
	_ = c.send(protocol.AuthResponse{Success: false, Message: message})
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
	log.Printf("[gateway] connection=%s handshake rejected reason=%s", c.session.ConnectionID, reason)
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing_token"
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, auth.ErrWrongTokenType):
		return "wrong_token_type"
	default:
		return "invalid_token"
	}
}

// serve 在认证后运行：读协程只负责收帧，处理在当前协程中严格按顺序进行。
func (c *connection) serve(ctx context.Context, cancel context.CancelFunc) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.h.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.h.pongWait))
	})

	frames := make(chan inboundFrame, inboundBuffer)
	go func() {
		defer close(frames)
		defer cancel()
		for {
			messageType, data, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[gateway] connection=%s read error: %v", c.session.ConnectionID, err)
				}
				return
			}
			select {
			case frames <- inboundFrame{messageType: messageType, data: data}:
			case <-ctx.Done():
				return
			}
			// 队列满时这里会阻塞，读超时从帧交付后重新计算。
			_ = c.ws.SetReadDeadline(time.Now().Add(c.h.pongWait))
		}
	}()

	go c.pingLoop(ctx)

	for frame := range frames {
		if ctx.Err() != nil {
			continue
		}
		c.handle(ctx, frame)
	}
}

// pingLoop 定期发送 ping 消息
func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *connection) handle(ctx context.Context, frame inboundFrame) {
	if frame.messageType != websocket.TextMessage {
		c.sendError(protocol.CodeInvalidMessage, "only text frames are supported")
		return
	}

	msg, err := protocol.Decode(frame.data)
	if err != nil {
		c.sendError(protocol.CodeInvalidMessage, err.Error())
		return
	}
	c.h.recorder().ObserveFrame("in", string(msg.Type()))

	switch m := msg.(type) {
	case protocol.TextInput:
		c.handleText(ctx, m)
	case protocol.GenerateStory:
		c.handleGenerateStory(ctx, m)
	case protocol.AuthRequest:
		c.sendError(protocol.CodeAlreadyAuthenticated, "connection is already authenticated")
	case protocol.AuthResponse, protocol.TextOutput, protocol.AudioOutput, protocol.StoryOutput, protocol.Error:
		c.sendError(protocol.CodeUnsupportedMessage, string(m.Type())+" is a server message")
	default:
		c.sendError(protocol.CodeUnsupportedMessage, "unsupported message type")
	}
}

func (c *connection) handleText(ctx context.Context, in protocol.TextInput) {
	identity := c.session.Identity()
	result, err := c.h.deps.Conversations.Process(ctx, identity.UserID, in.Text, in.ConversationID)
	if err != nil {
		c.fail(ctx, "text", err)
		return
	}
	c.attach(in.ConversationID)

	out := protocol.TextOutput{
		Text:               result.Reply,
		Emotion:            result.Emotion,
		SuggestedQuestions: result.SuggestedQuestions,
		ReadyForStory:      result.ReadyForStory,
		CollectedContext:   result.CollectedContext,
	}
	if out.SuggestedQuestions == nil {
		out.SuggestedQuestions = []string{}
	}
	if err := c.send(out); err != nil {
		return
	}

	if c.h.deps.Speech == nil || result.Reply == "" {
		return
	}
	voiceEmotion := result.Emotion
	if voiceEmotion == "" {
		voiceEmotion = string(analysis.Analyze(in.Text, result.Reply).Emotion)
	}
	audio, err := c.h.deps.Speech.Synthesize(ctx, c.session.ConnectionID, result.Reply, voiceEmotion)
	if err != nil {
		// 文本已送达，语音失败只单独报告
		if !errors.Is(err, speech.ErrSpeech) {
			err = fmt.Errorf("%w: %w", speech.ErrSpeech, err)
		}
		c.fail(ctx, "speech", err)
		return
	}
	_ = c.send(protocol.AudioOutput{AudioData: audio.AudioData, Format: audio.Format, Emotion: voiceEmotion})
}

func (c *connection) handleGenerateStory(ctx context.Context, in protocol.GenerateStory) {
	if in.ConversationID == "" {
		c.sendError(protocol.CodeInvalidMessage, "conversationId is required")
		return
	}
	identity := c.session.Identity()

	snapshot, err := c.h.deps.Conversations.Snapshot(ctx, identity.UserID, in.ConversationID)
	if err != nil {
		c.fail(ctx, "story", err)
		return
	}
	narrative := snapshot.Narrative()
	if narrative == "" {
		c.sendError(protocol.CodeEmptyConversation, "conversation has no story material yet")
		return
	}

	report, err := c.h.deps.Emotions.Analyze(ctx, narrative, &snapshot, snapshot.Emotions)
	if err != nil {
		c.fail(ctx, "story", err)
		return
	}
	result, err := c.h.deps.Stories.Generate(ctx, snapshot, report, identity.UserID, in.Highlights)
	if err != nil {
		c.fail(ctx, "story", err)
		return
	}

	_ = c.send(protocol.StoryOutput{
		Title:        result.Title,
		Content:      result.Content,
		Emotion:      string(report.PrimaryEmotion),
		Genre:        result.Genre,
		EmotionalArc: result.EmotionalArc,
		KeyMoments:   result.KeyMoments,
	})
}

// fail 把处理错误转换为 Error 帧；连接已断开时不再回写。
func (c *connection) fail(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		log.Printf("[gateway] connection=%s %s aborted: %v", c.session.ConnectionID, op, err)
		return
	}
	frame := errorFrame(err)
	log.Printf("[gateway] connection=%s %s failed code=%s: %v", c.session.ConnectionID, op, frame.Code, err)
	_ = c.send(frame)
}

func (c *connection) attach(conversationID string) {
	if _, ok := c.attached[conversationID]; ok || c.h.deps.Tracker == nil {
		return
	}
	if c.h.deps.Tracker.Attach(conversationID) {
		c.attached[conversationID] = struct{}{}
	}
}

func (c *connection) sendError(code, message string) {
	_ = c.send(protocol.Error{Message: message, Code: code})
}

func (c *connection) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[gateway] connection=%s encode %s failed: %v", c.session.ConnectionID, msg.Type(), err)
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[gateway] connection=%s write %s failed: %v", c.session.ConnectionID, msg.Type(), err)
		return err
	}

	rec := c.h.recorder()
	rec.ObserveFrame("out", string(msg.Type()))
	if e, ok := msg.(protocol.Error); ok {
		rec.ErrorFrame(e.Code)
	}
	return nil
}

// close 释放连接资源：解除会话关联（或按策略清除），关闭底层连接。
func (c *connection) close() {
	c.session.Close()
	if tracker := c.h.deps.Tracker; tracker != nil {
		for id := range c.attached {
			if c.h.deps.ReleaseOnClose {
				tracker.Release(id)
			} else {
				tracker.Detach(id)
			}
		}
	}
	c.ws.Close()
	log.Printf("[gateway] connection=%s closed conversations=%d", c.session.ConnectionID, len(c.attached))
}
