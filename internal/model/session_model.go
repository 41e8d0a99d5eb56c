package model

import (
	"time"

	"github.com/google/uuid"
)

// Session is one multi-turn conversation. Messages are append-only and keep
// insertion order. Owned exclusively by the session store; everything else
// refers to a session by id.
type Session struct {
	Id        uuid.UUID     `json:"id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	// Workflow is the current generated artifact, replaced wholesale on each
	// completed generation. Nil until the first completion.
	Workflow Workflow `json:"workflow,omitempty"`
}

func NewSession(title string) *Session {
	now := time.Now()
	return &Session{
		Id:        uuid.New(),
		Title:     title,
		Messages:  []ChatMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep-enough copy for read-only consumers: the message slice
// is copied so appends on the original cannot alias into a snapshot handed out
// earlier.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = make([]ChatMessage, len(s.Messages))
	copy(cp.Messages, s.Messages)
	return &cp
}
