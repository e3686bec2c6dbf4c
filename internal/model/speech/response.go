package speech

// TTSResponse 是一次合成的完整音频及实际生效的音色参数。
// 发生候选回退时 Voice/ResourceID 与请求不同。
type TTSResponse struct {
	SessionID    string  `json:"sessionId"`
	AudioData    []byte  `json:"-"`
	Format       string  `json:"format"`
	DurationMs   int64   `json:"durationMs"`
	Voice        string  `json:"voice"`
	ResourceID   string  `json:"resourceId"`
	Emotion      string  `json:"emotion,omitempty"`
	EmotionScale float32 `json:"emotionScale,omitempty"`
	RequestID    string  `json:"requestId,omitempty"`
}
