package conversation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	analysis "github.com/zhouzirui/novel-mvp/backend/internal/analysis/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	model "github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	emotionmodel "github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/ai"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/bus"
)

// Publisher 是总线的发布端，*bus.Bus 满足该接口。
type Publisher interface {
	Publish(msg bus.Message) error
}

// Result 是一轮对话的输出。
type Result struct {
	Reply              string
	Emotion            string
	ReadyForStory      bool
	CollectedContext   string
	SuggestedQuestions []string
	TurnCount          int
}

// Orchestrator 维护对话历史并判断是否已收集到足够的故事素材。
type Orchestrator struct {
	store     *Store
	completer ai.Completer
	publisher Publisher
	minTurns  int
}

// NewOrchestrator 创建对话编排器；minTurns 低于下限时按下限处理。publisher 可以为 nil。
func NewOrchestrator(store *Store, completer ai.Completer, publisher Publisher, minTurns int) *Orchestrator {
	if minTurns < config.MinStoryTurns {
		minTurns = config.MinStoryTurns
	}
	return &Orchestrator{
		store:     store,
		completer: completer,
		publisher: publisher,
		minTurns:  minTurns,
	}
}

// Store 返回底层会话存储。
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Process 处理一条用户消息。上游失败时本轮不会写入会话（轮次与历史均回滚）。
func (o *Orchestrator) Process(ctx context.Context, userID, message, conversationID string) (*Result, error) {
	message = strings.TrimSpace(message)
	if message == "" || conversationID == "" {
		return nil, ErrInvalidInput
	}

	lease, err := o.store.Acquire(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	working := lease.Context().Clone()
	working.Turns = append(working.Turns, model.UserTurn(message))
	working.TurnCount++

	raw, err := o.completer.Complete(ctx, buildSystemPrompt(working.TurnCount, o.minTurns), working.Turns)
	if err != nil {
		return nil, fmt.Errorf("conversation %s turn %d: %w", conversationID, working.TurnCount, ai.AsUpstream("conversation", err))
	}

	markers := ParseMarkers(raw)
	working.Fragments = append(working.Fragments, markers.Contexts...)

	var detected []string
	for _, label := range markers.Emotions {
		detected = append(detected, normalizeEmotion(label))
	}
	working.Emotions = append(working.Emotions, detected...)

	if markers.Ready && working.TurnCount >= o.minTurns {
		working.ReadyForStory = true
	}

	working.Turns = append(working.Turns, model.AssistantTurn(markers.Reply))
	working.UpdatedAt = time.Now().UTC()
	lease.Commit(working)

	for _, label := range detected {
		o.notify(working.ID, userID, label, working.TurnCount)
	}

	result := &Result{
		Reply:              markers.Reply,
		ReadyForStory:      working.ReadyForStory,
		SuggestedQuestions: suggestedQuestions(working.TurnCount, working.ReadyForStory),
		TurnCount:          working.TurnCount,
	}
	if len(detected) > 0 {
		result.Emotion = detected[len(detected)-1]
	}
	if working.ReadyForStory {
		result.CollectedContext = working.Narrative()
	}

	log.Printf("[conversation] conversation=%s turn=%d ready=%t fragments=%d emotion=%q",
		conversationID, working.TurnCount, working.ReadyForStory, len(working.Fragments), result.Emotion)
	return result, nil
}

// Snapshot 等待当前写入方完成后返回会话的深拷贝，用于故事流水线。
func (o *Orchestrator) Snapshot(ctx context.Context, userID, conversationID string) (model.Context, error) {
	lease, err := o.store.AcquireExisting(ctx, conversationID, userID)
	if err != nil {
		return model.Context{}, err
	}
	defer lease.Release()
	return lease.Context().Clone(), nil
}

// Peek 立即返回最近一次提交的会话深拷贝，供只读接口使用。
func (o *Orchestrator) Peek(userID, conversationID string) (model.Context, error) {
	return o.store.Peek(conversationID, userID)
}

// ClearContext 丢弃会话，返回它是否存在。
func (o *Orchestrator) ClearContext(conversationID string) bool {
	return o.store.Clear(conversationID)
}

// ClearOwned 仅当会话属于 userID 时丢弃，返回 ErrNotFound 或 ErrForbidden。
func (o *Orchestrator) ClearOwned(userID, conversationID string) error {
	return o.store.ClearOwned(conversationID, userID)
}

func (o *Orchestrator) notify(conversationID, userID, label string, turn int) {
	if o.publisher == nil {
		return
	}
	msg := bus.NewMessage(bus.StageConversation, bus.ChannelEmotionAnalysis, emotionmodel.Notification{
		ConversationID: conversationID,
		UserID:         userID,
		Emotion:        label,
		Turn:           turn,
		DetectedAt:     time.Now().UTC(),
	})
	// 通知是尽力而为的，投递失败不影响本轮结果。
	if err := o.publisher.Publish(msg); err != nil {
		log.Printf("[conversation] emotion notification dropped conversation=%s: %v", conversationID, err)
	}
}

func normalizeEmotion(label string) string {
	if category, ok := analysis.Normalize(label); ok {
		return string(category)
	}
	// 标签会进入帧与指标标签，集合之外一律归为 neutral。
	log.Printf("[conversation] unknown emotion label %q, using %s", label, emotionmodel.Neutral)
	return string(emotionmodel.Neutral)
}

var questionSets = [][]string{
	{
		"그 일은 언제, 어디에서 있었나요?",
		"그때 누구와 함께 있었나요?",
		"그 순간 어떤 기분이 드셨나요?",
	},
	{
		"가장 기억에 남는 장면은 무엇인가요?",
		"그 일이 왜 특별하게 느껴졌나요?",
		"그때 나눈 말 중에 떠오르는 것이 있나요?",
	},
	{
		"그 경험이 지금의 당신에게 어떤 의미인가요?",
		"이야기에 꼭 담고 싶은 장면이 있나요?",
		"그 뒤로 달라진 것이 있나요?",
	},
}

func suggestedQuestions(turnCount int, ready bool) []string {
	if ready {
		return []string{}
	}
	idx := turnCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(questionSets) {
		idx = len(questionSets) - 1
	}
	return append([]string(nil), questionSets[idx]...)
}

func buildSystemPrompt(turnCount, minTurns int) string {
	var b strings.Builder
	b.WriteString("당신은 사용자의 기억과 경험을 짧은 이야기로 만들기 위해 대화를 나누는 따뜻한 인터뷰어입니다.\n")
	b.WriteString("사용자의 말에 공감하며 두세 문장으로 자연스럽게 답하고, 이야기를 더 풍부하게 만들 질문을 하나 덧붙이세요.\n")
	b.WriteString("사용자와 같은 언어로 답하세요.\n\n")
	b.WriteString("답변 끝에 다음 표시를 필요한 경우에만 붙이세요. 표시는 정확히 이 형식을 지켜야 합니다:\n")
	b.WriteString("- [CONTEXT: 이번 발화에서 얻은 이야기 소재 한 문장 요약] : 새로운 사건, 인물, 장소, 감정이 나오면 매번 붙입니다.\n")
	b.WriteString("- [EMOTION: 감정] : 사용자가 강한 감정을 드러냈을 때 joy, sadness, anger, fear, surprise, disgust, love, nostalgia, excitement, neutral 중 하나로 붙입니다.\n")
	fmt.Fprintf(&b, "- %s : 이야기를 만들 만큼 소재가 모였을 때만 붙입니다. 대화가 %d턴에 이르기 전에는 절대 붙이지 마세요.\n\n", MarkerReady, minTurns)
	fmt.Fprintf(&b, "현재 %d번째 턴입니다.", turnCount)
	if turnCount < minTurns {
		b.WriteString(" 아직 이야기 준비 표시를 붙일 수 없습니다.")
	}
	return b.String()
}
