package emotion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"regexp"
	"strconv"
	"strings"

	analysis "github.com/zhouzirui/novel-mvp/backend/internal/analysis/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	model "github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/ai"
)

const (
	defaultScore       = 0.5
	maxSentences       = 5
	defaultHistorySize = 6
)

// Service 使用大模型生成结构化的情绪报告。
// 模型输出无法解析时逐字段回退到安全默认值，只有上游调用失败才返回错误。
type Service struct {
	completer ai.Completer
	schema    string
}

// NewService 创建情绪分析阶段。
func NewService(completer ai.Completer) (*Service, error) {
	schema, err := ai.GenerateSchema[reportPayload]()
	if err != nil {
		return nil, fmt.Errorf("generate emotion schema: %w", err)
	}
	return &Service{completer: completer, schema: schema}, nil
}

// Analyze 分析 text 的情绪。convCtx 可以为 nil，previous 是此前检测到的情绪标签。
func (s *Service) Analyze(ctx context.Context, text string, convCtx *conversation.Context, previous []string) (model.Report, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return neutralReport(""), nil
	}

	prompt := buildUserPrompt(text, convCtx, previous)
	raw, err := s.completer.Complete(ctx, s.systemPrompt(), []conversation.Turn{conversation.UserTurn(prompt)})
	if err != nil {
		return model.Report{}, fmt.Errorf("emotion analysis: %w", ai.AsUpstream("emotion", err))
	}

	report := parseReport(raw, text)
	log.Printf("[emotion] primary=%s confidence=%.2f intensity=%.2f sentiment=%s sentences=%d",
		report.PrimaryEmotion, report.Confidence, report.Intensity, report.Sentiment, len(report.Sentences))
	return report, nil
}

func (s *Service) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are an emotion analyst for personal stories. Read the user's narrative and classify its emotions.\n")
	b.WriteString("primaryEmotion and every emotion label must be one of: ")
	for i, c := range model.Categories {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(c))
	}
	b.WriteString(".\nconfidence and intensity are numbers between 0 and 1. sentiment is one of positive, negative, neutral, mixed.\n")
	b.WriteString("keywords are short phrases copied from the narrative. sentences gives a per-sentence breakdown of at most 5 sentences.\n")
	b.WriteString("Return only one JSON object matching this JSON Schema, with no extra text:\n")
	b.WriteString(s.schema)
	return b.String()
}

func buildUserPrompt(text string, convCtx *conversation.Context, previous []string) string {
	var b strings.Builder
	b.WriteString("Narrative:\n")
	b.WriteString(text)

	if len(previous) > 0 {
		b.WriteString("\n\nEmotions noticed earlier in the conversation: ")
		b.WriteString(strings.Join(previous, ", "))
	}

	if convCtx != nil {
		if history := formatHistory(convCtx.Turns, defaultHistorySize); history != "" {
			b.WriteString("\n\nRecent dialogue:\n")
			b.WriteString(history)
		}
	}
	return b.String()
}

func formatHistory(turns []conversation.Turn, limit int) string {
	start := len(turns) - limit
	if start < 0 {
		start = 0
	}

	lines := make([]string, 0, len(turns)-start)
	for _, turn := range turns[start:] {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		lines = append(lines, string(turn.Role)+": "+content)
	}
	return strings.Join(lines, "\n")
}

// reportPayload 描述期望的模型输出，用于生成 JSON Schema。
type reportPayload struct {
	PrimaryEmotion    string            `json:"primaryEmotion" jsonschema:"required"`
	Confidence        float64           `json:"confidence" jsonschema:"required,minimum=0,maximum=1"`
	Intensity         float64           `json:"intensity" jsonschema:"required,minimum=0,maximum=1"`
	SecondaryEmotions []string          `json:"secondaryEmotions" jsonschema:"required"`
	Keywords          []string          `json:"keywords" jsonschema:"required"`
	Sentiment         string            `json:"sentiment" jsonschema:"required,enum=positive,enum=negative,enum=neutral,enum=mixed"`
	Sentences         []sentencePayload `json:"sentences" jsonschema:"required"`
}

type sentencePayload struct {
	Sentence  string  `json:"sentence" jsonschema:"required"`
	Emotion   string  `json:"emotion" jsonschema:"required"`
	Intensity float64 `json:"intensity" jsonschema:"required,minimum=0,maximum=1"`
}

// parseReport 逐字段解析，任何字段缺失或类型错误都只影响该字段本身。
func parseReport(raw, text string) model.Report {
	fields := map[string]json.RawMessage{}
	if err := ai.DecodeModelJSON(raw, &fields); err != nil {
		log.Printf("[emotion] model output is not JSON, using defaults: %v", err)
		return neutralReport(text)
	}

	report := model.Report{
		PrimaryEmotion:    parseCategory(fields["primaryEmotion"]),
		Confidence:        parseScore(fields["confidence"]),
		Intensity:         parseScore(fields["intensity"]),
		SecondaryEmotions: parseCategories(fields["secondaryEmotions"]),
		Keywords:          parseStrings(fields["keywords"]),
		Sentiment:         parseSentiment(fields["sentiment"]),
		Sentences:         parseSentences(fields["sentences"]),
	}
	if len(report.Sentences) == 0 {
		report.Sentences = splitSentences(text)
	}
	return report
}

func neutralReport(text string) model.Report {
	return model.Report{
		PrimaryEmotion:    model.Neutral,
		Confidence:        defaultScore,
		Intensity:         defaultScore,
		SecondaryEmotions: []model.Category{},
		Keywords:          []string{},
		Sentiment:         model.NeutralSentiment,
		Sentences:         splitSentences(text),
	}
}

func parseCategory(raw json.RawMessage) model.Category {
	var label string
	if len(raw) == 0 || json.Unmarshal(raw, &label) != nil {
		return model.Neutral
	}
	if c, ok := analysis.Normalize(label); ok {
		return c
	}
	return model.Neutral
}

func parseCategories(raw json.RawMessage) []model.Category {
	out := []model.Category{}
	var labels []string
	if len(raw) == 0 || json.Unmarshal(raw, &labels) != nil {
		return out
	}
	seen := make(map[model.Category]bool, len(labels))
	for _, label := range labels {
		c, ok := analysis.Normalize(label)
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func parseStrings(raw json.RawMessage) []string {
	out := []string{}
	var values []string
	if len(raw) == 0 || json.Unmarshal(raw, &values) != nil {
		return out
	}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseSentiment(raw json.RawMessage) model.Sentiment {
	var label string
	if len(raw) == 0 || json.Unmarshal(raw, &label) != nil {
		return model.NeutralSentiment
	}
	if s, ok := model.ParseSentiment(label); ok {
		return s
	}
	return model.NeutralSentiment
}

// parseScore 接受数字或数字字符串，结果总在 [0,1] 内；1~100 之间的值按百分比处理。
func parseScore(raw json.RawMessage) float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return defaultScore
	}

	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		var text string
		if json.Unmarshal(raw, &text) != nil {
			return defaultScore
		}
		text = strings.TrimSpace(text)
		percent := strings.HasSuffix(text, "%")
		parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(text, "%")), 64)
		if err != nil {
			return defaultScore
		}
		if percent && !math.IsNaN(parsed) && !math.IsInf(parsed, 0) {
			return clampScore(parsed / 100)
		}
		value = parsed
	}
	return clampScore(value)
}

// clampScore 把分数收敛到 [0,1]。(1,100] 内的整数按百分比处理，其余越界值截断为 1。
func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return defaultScore
	case v < 0:
		return 0
	case v > 1 && v <= 100 && v == math.Trunc(v):
		return v / 100
	case v > 1:
		return 1
	default:
		return v
	}
}

func parseSentences(raw json.RawMessage) []model.SentenceEmotion {
	var items []map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return nil
	}

	out := make([]model.SentenceEmotion, 0, len(items))
	for _, item := range items {
		var sentence string
		if json.Unmarshal(item["sentence"], &sentence) != nil {
			continue
		}
		if sentence = strings.TrimSpace(sentence); sentence == "" {
			continue
		}
		out = append(out, model.SentenceEmotion{
			Sentence:  sentence,
			Emotion:   parseCategory(item["emotion"]),
			Intensity: parseScore(item["intensity"]),
		})
		if len(out) == maxSentences {
			break
		}
	}
	return out
}

var sentencePattern = regexp.MustCompile(`[^.!?。！？…\n]+[.!?。！？…]*`)

// splitSentences 按句末标点与换行切分，最多保留 5 句，每句默认 neutral / 0.5。
func splitSentences(text string) []model.SentenceEmotion {
	out := []model.SentenceEmotion{}
	for _, piece := range sentencePattern.FindAllString(text, -1) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		out = append(out, model.SentenceEmotion{Sentence: piece, Emotion: model.Neutral, Intensity: defaultScore})
		if len(out) == maxSentences {
			break
		}
	}
	return out
}
