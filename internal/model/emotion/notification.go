package emotion

import "time"

// Notification 是对话中检测到情绪时发布到 emotion-analysis 通道的载荷。
type Notification struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Emotion        string    `json:"emotion"`
	Turn           int       `json:"turn"`
	DetectedAt     time.Time `json:"detectedAt"`
}
