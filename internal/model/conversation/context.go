package conversation

import (
	"strings"
	"time"
)

// Context captures the accumulated state of one ongoing dialogue.
type Context struct {
	ID            string    `json:"conversationId"`
	UserID        string    `json:"userId"`
	Turns         []Turn    `json:"turns"`
	Fragments     []string  `json:"fragments"`
	Emotions      []string  `json:"emotions"`
	TurnCount     int       `json:"turnCount"`
	ReadyForStory bool      `json:"readyForStory"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// New returns an empty context owned by userID.
func New(id, userID string) *Context {
	now := time.Now().UTC()
	return &Context{
		ID:        id,
		UserID:    userID,
		Turns:     make([]Turn, 0, 8),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy that shares no slices with c.
func (c *Context) Clone() Context {
	copied := *c
	copied.Turns = append([]Turn(nil), c.Turns...)
	copied.Fragments = append([]string(nil), c.Fragments...)
	copied.Emotions = append([]string(nil), c.Emotions...)
	return copied
}

// CollectedContext joins the collected narrative fragments, newline separated.
func (c *Context) CollectedContext() string {
	return strings.Join(c.Fragments, "\n")
}

// UserText joins everything the user said, newline separated.
func (c *Context) UserText() string {
	parts := make([]string, 0, len(c.Turns))
	for _, turn := range c.Turns {
		if turn.Role != RoleUser {
			continue
		}
		if text := strings.TrimSpace(turn.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// Narrative returns the story material: the collected fragments, or the
// user's own words when no fragment was extracted.
func (c *Context) Narrative() string {
	if collected := strings.TrimSpace(c.CollectedContext()); collected != "" {
		return collected
	}
	return c.UserText()
}
