package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is immutable once appended, except for metadata enrichment by
// the controller within the same turn.
type ChatMessage struct {
	Id        uuid.UUID        `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata is the optional enrichment bag attached to assistant
// messages: the generated workflow plus retrieval details from the server.
type MessageMetadata struct {
	Workflow           Workflow `json:"workflow,omitempty"`
	RetrievedDocuments []string `json:"retrieved_documents,omitempty"`
	Confidence         float64  `json:"confidence,omitempty"`
	ProcessingTime     float64  `json:"processing_time,omitempty"`
}

func NewChatMessage(role, content string) ChatMessage {
	return ChatMessage{
		Id:        uuid.New(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}
