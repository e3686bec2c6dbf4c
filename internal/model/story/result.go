package story

// Result is the structured short story produced from a conversation.
type Result struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Genre        string   `json:"genre"`
	EmotionalArc string   `json:"emotionalArc"`
	KeyMoments   []string `json:"keyMoments"`
}
