package emotion

import (
	"math"
	"strings"

	model "github.com/zhouzirui/novel-mvp/backend/internal/model/emotion"
)

// Decision 给出情绪识别结果以及推荐情绪强度。
type Decision struct {
	Emotion model.Category
	Scale   float32
	Score   int
}

var keywordBuckets = map[model.Category][]string{
	model.Joy: {
		"행복", "기뻐", "기쁘", "기쁜", "좋았", "즐거", "웃었", "웃음", "신나", "다행", "감사", "고마",
		"happy", "glad", "joy", "fun", "great", "thanks", "开心", "高兴", "快乐",
	},
	model.Sadness: {
		"슬퍼", "슬프", "슬픈", "우울", "눈물", "울었", "외로", "서운", "힘들", "속상", "그리워", "상실",
		"sad", "cry", "lonely", "depressed", "upset", "hurt", "难过", "伤心", "失落",
	},
	model.Anger: {
		"화가", "화났", "짜증", "분노", "억울", "열받", "미워", "싫어서",
		"angry", "furious", "rage", "mad", "annoyed", "生气", "愤怒",
	},
	model.Fear: {
		"무서", "두려", "겁이", "불안", "걱정", "떨렸", "긴장",
		"afraid", "scared", "fear", "anxious", "worried", "害怕", "担心",
	},
	model.Surprise: {
		"놀랐", "놀라", "깜짝", "뜻밖", "갑자기", "믿기지",
		"surprised", "unexpected", "suddenly", "wow", "惊讶", "没想到",
	},
	model.Disgust: {
		"역겨", "징그", "더러", "혐오", "불쾌",
		"disgusting", "gross", "awful", "恶心",
	},
	model.Love: {
		"사랑", "소중", "따뜻", "포근", "가족", "엄마", "아빠", "함께", "고마운",
		"love", "dear", "warm", "family", "together", "爱", "温暖", "家人",
	},
	model.Nostalgia: {
		"추억", "그때", "옛날", "어릴", "예전", "그리운", "회상", "기억나",
		"remember", "childhood", "memories", "nostalgic", "回忆", "小时候",
	},
	model.Excitement: {
		"설레", "두근", "기대", "최고", "대박", "짜릿", "흥분",
		"excited", "can't wait", "amazing", "awesome", "thrilled", "激动", "期待",
	},
}

var labelSynonyms = map[string]model.Category{
	"happy": model.Joy, "happiness": model.Joy, "기쁨": model.Joy, "행복": model.Joy, "즐거움": model.Joy,
	"sad": model.Sadness, "슬픔": model.Sadness, "우울": model.Sadness,
	"angry": model.Anger, "분노": model.Anger, "화": model.Anger,
	"afraid": model.Fear, "scared": model.Fear, "anxiety": model.Fear, "두려움": model.Fear, "불안": model.Fear,
	"surprised": model.Surprise, "놀람": model.Surprise,
	"disgusted": model.Disgust, "혐오": model.Disgust,
	"loving": model.Love, "affection": model.Love, "gratitude": model.Love, "사랑": model.Love, "감사": model.Love,
	"nostalgic": model.Nostalgia, "그리움": model.Nostalgia, "추억": model.Nostalgia,
	"excited": model.Excitement, "설렘": model.Excitement, "기대": model.Excitement, "흥분": model.Excitement,
	"calm": model.Neutral, "평온": model.Neutral, "중립": model.Neutral,
}

var punctuationBoost = map[model.Category]int{
	model.Joy:        2,
	model.Excitement: 3,
}

// Normalize 将自由文本的情绪标签映射到固定类别，例如 "기쁨" → joy。
func Normalize(label string) (model.Category, bool) {
	if c, ok := model.ParseCategory(label); ok {
		return c, true
	}

	key := strings.ToLower(strings.TrimSpace(label))
	if key == "" {
		return "", false
	}
	if c, ok := labelSynonyms[key]; ok {
		return c, true
	}

	if scored := scoreText(key); scored.Score > 0 {
		return scored.Emotion, true
	}
	return "", false
}

// Analyze 根据用户话语与AI回复推断应使用的语音情绪。
func Analyze(userUtterance, aiUtterance string) Decision {
	userScore := scoreText(userUtterance)
	aiScore := scoreText(aiUtterance)

	finalScore := aiScore
	// 若AI回复缺少明显情感，则根据用户情绪进行映射，从而提供安抚或共情。
	if finalScore.Score == 0 && userScore.Score > 0 {
		finalScore = coerceEmotionFromUser(userScore)
	}

	if finalScore.Score == 0 {
		return Decision{Emotion: model.Neutral, Scale: 3, Score: 0}
	}

	scale := 2 + float32(finalScore.Score)/4 // 基础为2，强度随得分提升
	if finalScore.Emotion == model.Excitement {
		scale += 1
	}
	if finalScore.Emotion == model.Love || finalScore.Emotion == model.Nostalgia {
		scale = float32(math.Min(3.5, float64(scale)))
	}

	if scale < 1 {
		scale = 1
	}
	if scale > 5 {
		scale = 5
	}

	return Decision{Emotion: finalScore.Emotion, Scale: scale, Score: finalScore.Score}
}

func scoreText(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Emotion: model.Neutral}
	}

	scores := make(map[model.Category]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, strings.ToLower(word)) {
				scores[label] += 3
			}
		}
	}

	exclamations := strings.Count(text, "!")
	if exclamations > 0 {
		scores[model.Excitement] += exclamations * punctuationBoost[model.Excitement]
		if exclamations == 1 {
			scores[model.Joy] += punctuationBoost[model.Joy]
		}
	}

	// 固定遍历顺序，保证同分时结果稳定。
	bestLabel := model.Neutral
	bestScore := 0
	for _, label := range model.Categories {
		if s := scores[label]; s > bestScore {
			bestScore = s
			bestLabel = label
		}
	}

	if bestScore == 0 {
		return Decision{Emotion: model.Neutral}
	}

	return Decision{Emotion: bestLabel, Score: bestScore}
}

func coerceEmotionFromUser(user Decision) Decision {
	switch user.Emotion {
	case model.Sadness, model.Fear:
		return Decision{Emotion: model.Love, Score: user.Score}
	case model.Anger, model.Disgust:
		return Decision{Emotion: model.Neutral, Score: user.Score}
	default:
		return user
	}
}
