package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one user message paired with its finalized assistant reply.
// Turns are never edited; a correction is a new turn.
type Turn struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	SessionID     string         `json:"session_id"`
	UserText      string         `json:"user_text"`
	AssistantText string         `json:"assistant_text"`
	CreatedAt     time.Time      `json:"created_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Keywords      []string       `json:"keywords,omitempty"`
}

// Text joins both sides of the exchange.
func (t Turn) Text() string {
	if t.AssistantText == "" {
		return t.UserText
	}
	return t.UserText + "\n" + t.AssistantText
}
