package story

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhouzirui/novel-mvp/backend/internal/config"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/conversation"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/ai"
)

type fixedCompleter struct {
	reply  string
	err    error
	prompt string
	calls  int
}

func (f *fixedCompleter) Complete(_ context.Context, _ string, history []conversation.Turn) (string, error) {
	f.calls++
	if len(history) > 0 {
		f.prompt = history[len(history)-1].Content
	}
	return f.reply, f.err
}

type storyCounter struct{ n int }

func (c *storyCounter) StoryGenerated() { c.n++ }

var band = config.StoryConfig{MinLength: 400, MaxLength: 600}

func familyContext() conversation.Context {
	c := conversation.New("c1", "alice")
	c.Turns = append(c.Turns,
		conversation.UserTurn("오늘 행복한 일이 있었어요"),
		conversation.AssistantTurn("어떤 일이었나요?"),
		conversation.UserTurn("오랜만에 가족이 모두 모여 저녁을 먹었어요"),
	)
	c.Fragments = []string{"가족이 모여 함께한 저녁 식사", "오랜만의 웃음"}
	c.TurnCount = 2
	return c.Clone()
}

func reply(t *testing.T, payload map[string]any) string {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(data)
}

func sentence(n int) string {
	return strings.Repeat("가", n-1) + "."
}

func TestGenerateReturnsCompleteStory(t *testing.T) {
	content := strings.Repeat(sentence(50), 9) // 450 runes
	completer := &fixedCompleter{reply: reply(t, map[string]any{
		"title":        "함께한 저녁",
		"content":      content,
		"genre":        "가족 드라마",
		"emotionalArc": "설렘에서 따뜻함으로",
		"keyMoments":   []string{"식탁에 둘러앉은 순간", " "},
	})}
	counter := &storyCounter{}
	svc, err := NewService(completer, band, counter)
	require.NoError(t, err)

	report := emotion.Report{PrimaryEmotion: emotion.Joy, Intensity: 0.8, Keywords: []string{"가족"}}
	result, err := svc.Generate(context.Background(), familyContext(), report, "alice", []string{"엄마의 미소"})
	require.NoError(t, err)

	assert.Equal(t, "함께한 저녁", result.Title)
	assert.Equal(t, content, result.Content)
	assert.Equal(t, "가족 드라마", result.Genre)
	assert.Equal(t, []string{"식탁에 둘러앉은 순간"}, result.KeyMoments)
	assert.Equal(t, 1, counter.n)

	assert.Contains(t, completer.prompt, "가족이 모여 함께한 저녁 식사")
	assert.Contains(t, completer.prompt, "엄마의 미소")
	assert.Contains(t, completer.prompt, "joy")
}

func TestGenerateDerivesMissingFields(t *testing.T) {
	completer := &fixedCompleter{reply: `Here you go: {"content": "` + strings.Repeat(sentence(50), 9) + `"}`}
	svc, err := NewService(completer, band, nil)
	require.NoError(t, err)

	report := emotion.Report{PrimaryEmotion: emotion.Love, SecondaryEmotions: []emotion.Category{emotion.Joy}}
	result, err := svc.Generate(context.Background(), familyContext(), report, "alice", nil)
	require.NoError(t, err)

	assert.Equal(t, "가족이 모여 함께한 저녁 식사", result.Title)
	assert.Equal(t, "가족 드라마", result.Genre)
	assert.Contains(t, result.EmotionalArc, "love")
	assert.Contains(t, result.EmotionalArc, "joy")
	assert.Equal(t, []string{"가족이 모여 함께한 저녁 식사", "오랜만의 웃음"}, result.KeyMoments)
}

func TestGenerateTrimsLongContentAtSentenceBoundary(t *testing.T) {
	content := strings.Repeat(sentence(70), 12) // 840 runes
	completer := &fixedCompleter{reply: reply(t, map[string]any{"content": content, "title": "t", "genre": "g", "emotionalArc": "a"})}
	svc, err := NewService(completer, band, nil)
	require.NoError(t, err)

	result, err := svc.Generate(context.Background(), familyContext(), emotion.Report{}, "alice", nil)
	require.NoError(t, err)

	n := len([]rune(result.Content))
	assert.GreaterOrEqual(t, n, band.MinLength)
	assert.LessOrEqual(t, n, band.MaxLength)
	assert.Equal(t, 560, n)
	assert.True(t, strings.HasSuffix(result.Content, "."))
}

func TestFitLength(t *testing.T) {
	noStops := strings.Repeat("가", 900)
	cut := fitLength(noStops, 400, 600)
	assert.Equal(t, 600, len([]rune(cut)))
	assert.True(t, strings.HasSuffix(cut, "…"))

	short := "짧은 이야기."
	assert.Equal(t, short, fitLength(short, 400, 600))

	// the only stop before the band is ignored
	early := "앞." + strings.Repeat("가", 800)
	assert.Equal(t, 600, len([]rune(fitLength(early, 400, 600))))
}

func TestGenerateFailsWithoutContent(t *testing.T) {
	cases := map[string]string{
		"missing content": `{"title": "제목", "genre": "드라마"}`,
		"blank content":   `{"content": "   "}`,
		"not json":        "죄송합니다, 지금은 이야기를 만들 수 없어요",
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			svc, err := NewService(&fixedCompleter{reply: out}, band, nil)
			require.NoError(t, err)
			_, err = svc.Generate(context.Background(), familyContext(), emotion.Report{}, "alice", nil)
			assert.ErrorIs(t, err, ErrMissingContent)
			assert.ErrorIs(t, err, ai.ErrUpstream)
		})
	}
}

func TestGeneratePropagatesUpstreamFailure(t *testing.T) {
	svc, err := NewService(&fixedCompleter{err: errors.New("timeout")}, band, nil)
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), familyContext(), emotion.Report{}, "alice", nil)
	assert.ErrorIs(t, err, ai.ErrUpstream)
}

func TestGenerateRejectsEmptyContext(t *testing.T) {
	completer := &fixedCompleter{}
	svc, err := NewService(completer, band, nil)
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), conversation.New("c1", "alice").Clone(), emotion.Report{}, "alice", nil)
	assert.ErrorIs(t, err, ErrEmptyContext)
	assert.Zero(t, completer.calls)
}

func TestNewServiceValidatesBand(t *testing.T) {
	_, err := NewService(&fixedCompleter{}, config.StoryConfig{MinLength: 600, MaxLength: 400}, nil)
	assert.Error(t, err)
}

func TestGenreTableCoversEveryCategory(t *testing.T) {
	for _, c := range emotion.Categories {
		assert.NotEmpty(t, genreFor(c), string(c))
	}
	assert.NotEmpty(t, genreFor("unknown"))
}
