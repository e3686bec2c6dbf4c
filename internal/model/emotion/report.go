package emotion

import "strings"

// Category 情绪类别，封闭的 10 种取值。
type Category string

const (
	Joy        Category = "joy"
	Sadness    Category = "sadness"
	Anger      Category = "anger"
	Fear       Category = "fear"
	Surprise   Category = "surprise"
	Disgust    Category = "disgust"
	Love       Category = "love"
	Nostalgia  Category = "nostalgia"
	Excitement Category = "excitement"
	Neutral    Category = "neutral"
)

// Categories 按固定顺序列出全部情绪类别。
var Categories = []Category{Joy, Sadness, Anger, Fear, Surprise, Disgust, Love, Nostalgia, Excitement, Neutral}

// ParseCategory 将原始标签规范化为情绪类别，不在集合内时返回 false。
func ParseCategory(raw string) (Category, bool) {
	normalized := Category(strings.ToLower(strings.TrimSpace(raw)))
	for _, c := range Categories {
		if c == normalized {
			return c, true
		}
	}
	return "", false
}

// Sentiment 整体情感倾向。
type Sentiment string

const (
	Positive         Sentiment = "positive"
	Negative         Sentiment = "negative"
	NeutralSentiment Sentiment = "neutral"
	Mixed            Sentiment = "mixed"
)

// ParseSentiment 规范化情感倾向标签。
func ParseSentiment(raw string) (Sentiment, bool) {
	switch Sentiment(strings.ToLower(strings.TrimSpace(raw))) {
	case Positive:
		return Positive, true
	case Negative:
		return Negative, true
	case NeutralSentiment:
		return NeutralSentiment, true
	case Mixed:
		return Mixed, true
	default:
		return "", false
	}
}

// SentenceEmotion 单句的情绪标注。
type SentenceEmotion struct {
	Sentence  string   `json:"sentence"`
	Emotion   Category `json:"emotion"`
	Intensity float64  `json:"intensity"`
}

// Report 情绪分析阶段的结构化输出。
type Report struct {
	PrimaryEmotion    Category          `json:"primaryEmotion"`
	Confidence        float64           `json:"confidence"`
	Intensity         float64           `json:"intensity"`
	SecondaryEmotions []Category        `json:"secondaryEmotions"`
	Keywords          []string          `json:"keywords"`
	Sentiment         Sentiment         `json:"sentiment"`
	Sentences         []SentenceEmotion `json:"sentences,omitempty"`
}
