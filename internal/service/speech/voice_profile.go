package speech

import (
	"strings"

	analysis "github.com/zhouzirui/novel-mvp/backend/internal/analysis/emotion"
	"github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
)

// 情绪类别到 TTS 情绪参数的映射
var ttsEmotionLabels = map[emotion.Category]string{
	emotion.Joy:        "happy",
	emotion.Sadness:    "sad",
	emotion.Anger:      "angry",
	emotion.Fear:       "fear",
	emotion.Surprise:   "surprised",
	emotion.Disgust:    "hate",
	emotion.Love:       "tender",
	emotion.Nostalgia:  "storytelling",
	emotion.Excitement: "excited",
}

var emotionVoiceWhitelist = map[string]struct{}{
	"zh_male_junlangnanyou_emo_v2_mars_bigtts":    {},
	"zh_male_yourougongzi_emo_v2_mars_bigtts":     {},
	"zh_female_gaolengyujie_emo_v2_mars_bigtts":   {},
	"zh_female_tianxinxiaomei_emo_v2_mars_bigtts": {},
	"en_female_candice_emo_v2_mars_bigtts":        {},
	"en_female_skye_emo_v2_mars_bigtts":           {},
	"en_male_glen_emo_v2_mars_bigtts":             {},
}

const defaultEmotionScale float32 = 3

// emotionParameters 计算一次合成的情绪参数。label 是情绪类别或自由文本标签，
// text 用于估计情绪强度；音色不支持情绪或情绪为 neutral 时 ok 为 false。
func emotionParameters(voice, label, text string) (ttsLabel string, scale float32, ok bool) {
	category, known := analysis.Normalize(label)
	if !known || category == emotion.Neutral {
		return "", 0, false
	}
	if !supportsEmotion(voice) {
		return "", 0, false
	}
	mapped, known := ttsEmotionLabels[category]
	if !known {
		return "", 0, false
	}

	scale = defaultEmotionScale
	if decision := analysis.Analyze("", text); decision.Emotion == category && decision.Scale > 0 {
		scale = decision.Scale
	}
	if scale < 1 {
		scale = 1
	}
	if scale > 5 {
		scale = 5
	}
	return mapped, scale, true
}

func supportsEmotion(voice string) bool {
	normalized := strings.ToLower(strings.TrimSpace(voice))
	if normalized == "" {
		return false
	}
	if _, ok := emotionVoiceWhitelist[normalized]; ok {
		return true
	}
	return strings.Contains(normalized, "_emo_")
}
