package story

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/story"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/ai"
)

var (
	// ErrEmptyContext 表示会话中没有可用于创作的素材。
	ErrEmptyContext = errors.New("conversation has no narrative to tell")
	// ErrMissingContent 表示模型没有给出正文；正文不做兜底，按上游错误处理。
	ErrMissingContent = errors.New("model returned no story content")
)

const (
	maxKeyMoments  = 5
	maxTitleLength = 24
)

// Counter 统计生成的故事数，*metrics.Recorder 满足该接口。
type Counter interface {
	StoryGenerated()
}

// Service 根据会话素材与情绪报告生成短篇故事。
type Service struct {
	completer ai.Completer
	minLength int
	maxLength int
	counter   Counter
	schema    string
}

// NewService 创建故事生成阶段。counter 可以为 nil。
func NewService(completer ai.Completer, cfg config.StoryConfig, counter Counter) (*Service, error) {
	if cfg.MinLength <= 0 || cfg.MaxLength <= cfg.MinLength {
		return nil, fmt.Errorf("invalid story length band %d..%d", cfg.MinLength, cfg.MaxLength)
	}
	schema, err := ai.GenerateSchema[storyPayload]()
	if err != nil {
		return nil, fmt.Errorf("generate story schema: %w", err)
	}
	return &Service{
		completer: completer,
		minLength: cfg.MinLength,
		maxLength: cfg.MaxLength,
		counter:   counter,
		schema:    schema,
	}, nil
}

type storyPayload struct {
	Title        string   `json:"title" jsonschema:"required"`
	Content      string   `json:"content" jsonschema:"required"`
	Genre        string   `json:"genre" jsonschema:"required"`
	EmotionalArc string   `json:"emotionalArc" jsonschema:"required"`
	KeyMoments   []string `json:"keyMoments" jsonschema:"required"`
}

// Generate 创作故事。返回的结果各字段均非空；上游失败或缺少正文时返回错误。
func (s *Service) Generate(ctx context.Context, convCtx conversation.Context, report emotion.Report, userID string, highlights []string) (story.Result, error) {
	narrative := strings.TrimSpace(convCtx.Narrative())
	if narrative == "" {
		return story.Result{}, ErrEmptyContext
	}
	highlights = cleanList(highlights)

	prompt := s.buildUserPrompt(narrative, report, highlights)
	raw, err := s.completer.Complete(ctx, s.systemPrompt(), []conversation.Turn{conversation.UserTurn(prompt)})
	if err != nil {
		return story.Result{}, fmt.Errorf("story generation: %w", ai.AsUpstream("story", err))
	}

	result, err := s.parse(raw)
	if err != nil {
		return story.Result{}, fmt.Errorf("story generation: %w", ai.AsUpstream("story", err))
	}

	if result.Title == "" {
		result.Title = deriveTitle(convCtx)
	}
	if result.Genre == "" {
		result.Genre = genreFor(report.PrimaryEmotion)
	}
	if result.EmotionalArc == "" {
		result.EmotionalArc = deriveArc(report)
	}
	if len(result.KeyMoments) == 0 {
		result.KeyMoments = deriveKeyMoments(convCtx, highlights, report)
	}

	if s.counter != nil {
		s.counter.StoryGenerated()
	}
	log.Printf("[story] conversation=%s user=%s title=%q genre=%q length=%d",
		convCtx.ID, userID, result.Title, result.Genre, len([]rune(result.Content)))
	return result, nil
}

func (s *Service) parse(raw string) (story.Result, error) {
	fields := map[string]json.RawMessage{}
	if err := ai.DecodeModelJSON(raw, &fields); err != nil {
		return story.Result{}, fmt.Errorf("%w: %v", ErrMissingContent, err)
	}

	content := rawString(fields["content"])
	if content == "" {
		return story.Result{}, ErrMissingContent
	}

	return story.Result{
		Title:        truncateRunes(rawString(fields["title"]), maxTitleLength*2),
		Content:      fitLength(content, s.minLength, s.maxLength),
		Genre:        rawString(fields["genre"]),
		EmotionalArc: rawString(fields["emotionalArc"]),
		KeyMoments:   limit(cleanList(rawStrings(fields["keyMoments"])), maxKeyMoments),
	}, nil
}

func (s *Service) systemPrompt() string {
	var b strings.Builder
	b.WriteString("당신은 사람들의 실제 경험을 짧은 소설로 옮기는 작가입니다.\n")
	b.WriteString("주어진 이야기 소재만 사용하고, 사용자가 말하지 않은 사건이나 인물을 지어내지 마세요.\n")
	fmt.Fprintf(&b, "본문(content)은 %d자에서 %d자 사이의 한 편의 완결된 이야기로, 사용자의 언어로 씁니다.\n", s.minLength, s.maxLength)
	b.WriteString("title은 짧은 제목, genre는 장르 이름, emotionalArc는 감정의 흐름을 한 문장으로, keyMoments는 핵심 장면을 최대 5개까지 적습니다.\n")
	b.WriteString("다음 JSON Schema에 맞는 JSON 객체 하나만 출력하세요:\n")
	b.WriteString(s.schema)
	return b.String()
}

func (s *Service) buildUserPrompt(narrative string, report emotion.Report, highlights []string) string {
	var b strings.Builder
	b.WriteString("이야기 소재:\n")
	b.WriteString(narrative)
	fmt.Fprintf(&b, "\n\n주된 감정: %s (강도 %.2f)", report.PrimaryEmotion, report.Intensity)
	if len(report.SecondaryEmotions) > 0 {
		parts := make([]string, len(report.SecondaryEmotions))
		for i, c := range report.SecondaryEmotions {
			parts[i] = string(c)
		}
		b.WriteString("\n함께 느껴지는 감정: ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if len(report.Keywords) > 0 {
		b.WriteString("\n키워드: ")
		b.WriteString(strings.Join(report.Keywords, ", "))
	}
	if len(highlights) > 0 {
		b.WriteString("\n꼭 담아야 할 장면:\n- ")
		b.WriteString(strings.Join(highlights, "\n- "))
	}
	return b.String()
}

var genres = map[emotion.Category]string{
	emotion.Joy:        "힐링 드라마",
	emotion.Sadness:    "멜로 드라마",
	emotion.Anger:      "성장 드라마",
	emotion.Fear:       "서스펜스",
	emotion.Surprise:   "미스터리",
	emotion.Disgust:    "블랙 코미디",
	emotion.Love:       "가족 드라마",
	emotion.Nostalgia:  "회고록",
	emotion.Excitement: "모험",
	emotion.Neutral:    "일상",
}

func genreFor(c emotion.Category) string {
	if g, ok := genres[c]; ok {
		return g
	}
	return genres[emotion.Neutral]
}

func deriveTitle(convCtx conversation.Context) string {
	source := ""
	if len(convCtx.Fragments) > 0 {
		source = convCtx.Fragments[0]
	} else {
		source = convCtx.UserText()
	}
	if line, _, _ := strings.Cut(strings.TrimSpace(source), "\n"); line != "" {
		return truncateRunes(line, maxTitleLength)
	}
	return "나의 이야기"
}

func deriveArc(report emotion.Report) string {
	primary := report.PrimaryEmotion
	if primary == "" {
		primary = emotion.Neutral
	}
	if len(report.SecondaryEmotions) == 0 {
		return fmt.Sprintf("%s의 감정이 강도 %.1f로 이어지는 이야기", primary, report.Intensity)
	}
	return fmt.Sprintf("%s에서 시작해 %s(으)로 이어지는 이야기", primary, report.SecondaryEmotions[len(report.SecondaryEmotions)-1])
}

func deriveKeyMoments(convCtx conversation.Context, highlights []string, report emotion.Report) []string {
	if moments := cleanList(convCtx.Fragments); len(moments) > 0 {
		return limit(moments, maxKeyMoments)
	}
	if len(highlights) > 0 {
		return limit(highlights, maxKeyMoments)
	}
	moments := make([]string, 0, len(report.Sentences))
	for _, s := range report.Sentences {
		moments = append(moments, s.Sentence)
	}
	if moments = cleanList(moments); len(moments) > 0 {
		return limit(moments, maxKeyMoments)
	}
	return []string{truncateRunes(convCtx.Narrative(), maxTitleLength*2)}
}

const terminators = ".!?。！？…\"'”’"

// fitLength 将超过 max 的正文截断到区间内最后一个句末标点；区间内没有句末标点时硬截断并补 "…"。
// 不足 min 的正文原样返回。
func fitLength(content string, min, max int) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) <= max {
		return string(runes)
	}

	for i := max - 1; i >= min-1 && i >= 0; i-- {
		if strings.ContainsRune(terminators, runes[i]) {
			return strings.TrimSpace(string(runes[:i+1]))
		}
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

func truncateRunes(s string, n int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}

func rawString(raw json.RawMessage) string {
	var v string
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func rawStrings(raw json.RawMessage) []string {
	var v []string
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return nil
	}
	return v
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func limit(values []string, n int) []string {
	if len(values) > n {
		return values[:n]
	}
	return values
}
