package speech

// TTSRequest 语音合成请求
type TTSRequest struct {
	SessionID string  `json:"sessionId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`    // 声音类型
	Speed     float32 `json:"speed"`    // 语速倍率 0.5-2.0
	Volume    float32 `json:"volume"`   // 音量 0.0-1.0
	Format    string  `json:"format"`   // mp3, ogg_opus, pcm
	Language  string  `json:"language"` // ko-KR, zh-CN, en-US, etc.

	// Emotion 是情绪类别（joy、sadness ...），为空或 neutral 时不附加情绪参数
	Emotion string `json:"emotion,omitempty"`
}
