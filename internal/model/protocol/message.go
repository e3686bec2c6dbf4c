// Package protocol defines the frames exchanged over the story session
// WebSocket. Every frame is a JSON object whose "type" field names the
// variant; the set of variants is closed.
package protocol

// Type is the wire discriminator.
type Type string

const (
	TypeAuthRequest   Type = "AuthRequest"
	TypeAuthResponse  Type = "AuthResponse"
	TypeTextInput     Type = "TextInput"
	TypeGenerateStory Type = "GenerateStory"
	TypeTextOutput    Type = "TextOutput"
	TypeAudioOutput   Type = "AudioOutput"
	TypeStoryOutput   Type = "StoryOutput"
	TypeError         Type = "Error"
)

// Message is implemented only by the variants in this package.
type Message interface {
	Type() Type
	sealed()
}

// AuthRequest must be the first client frame.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse reports the handshake result.
type AuthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TextInput carries one user utterance for a conversation.
type TextInput struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

// GenerateStory asks for the story of a conversation.
type GenerateStory struct {
	ConversationID string   `json:"conversationId"`
	Highlights     []string `json:"highlights,omitempty"`
}

// TextOutput is the orchestrator reply.
type TextOutput struct {
	Text               string   `json:"text"`
	Emotion            string   `json:"emotion,omitempty"`
	SuggestedQuestions []string `json:"suggestedQuestions"`
	ReadyForStory      bool     `json:"readyForStory"`
	CollectedContext   string   `json:"collectedContext,omitempty"`
}

// AudioOutput is the synthesized companion of a TextOutput. AudioData is
// base64 encoded on the wire.
type AudioOutput struct {
	AudioData []byte `json:"audioData"`
	Format    string `json:"format"`
	Emotion   string `json:"emotion,omitempty"`
}

// StoryOutput is the generated story.
type StoryOutput struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Emotion      string   `json:"emotion"`
	Genre        string   `json:"genre"`
	EmotionalArc string   `json:"emotionalArc"`
	KeyMoments   []string `json:"keyMoments,omitempty"`
}

// Error is a non-fatal failure report.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (AuthRequest) Type() Type   { return TypeAuthRequest }
func (AuthResponse) Type() Type  { return TypeAuthResponse }
func (TextInput) Type() Type     { return TypeTextInput }
func (GenerateStory) Type() Type { return TypeGenerateStory }
func (TextOutput) Type() Type    { return TypeTextOutput }
func (AudioOutput) Type() Type   { return TypeAudioOutput }
func (StoryOutput) Type() Type   { return TypeStoryOutput }
func (Error) Type() Type         { return TypeError }

func (AuthRequest) sealed()   {}
func (AuthResponse) sealed()  {}
func (TextInput) sealed()     {}
func (GenerateStory) sealed() {}
func (TextOutput) sealed()    {}
func (AudioOutput) sealed()   {}
func (StoryOutput) sealed()   {}
func (Error) sealed()         {}

// Error codes carried by Error frames.
const (
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeUnsupportedMessage   = "UNSUPPORTED_MESSAGE"
	CodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	CodeUpstream             = "UPSTREAM_ERROR"
	CodeSpeech               = "SPEECH_ERROR"
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeForbidden            = "FORBIDDEN"
	CodeEmptyConversation    = "EMPTY_CONVERSATION"
	CodeInternal             = "INTERNAL_ERROR"
)
