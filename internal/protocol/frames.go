package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"n8n-studio-client/internal/model"
)

// FrameType tags one wire frame. The transport frames messages itself, so a
// frame is always one self-contained JSON object with a "type" field.
type FrameType string

const (
	// Inbound
	FrameProgress FrameType = "progress"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameTyping   FrameType = "typing"

	// Outbound
	FrameChat FrameType = "chat"
)

var validate = validator.New()

// ServerFrame is one inbound frame. The server emits two historical shapes for
// some fields (progress stage in "content" vs "stage", error text in "content"
// vs "message"), so both are kept and normalized through the accessors.
type ServerFrame struct {
	Type      FrameType           `json:"type"`
	Content   json.RawMessage     `json:"content,omitempty"`
	Message   string              `json:"message,omitempty"`
	Progress  float64             `json:"progress,omitempty"`
	Stage     string              `json:"stage,omitempty"`
	Metadata  *CompletionMetadata `json:"metadata,omitempty"`
	Timestamp string              `json:"timestamp,omitempty"`
}

// CompletionMetadata carries generation details on complete frames. The HTTP
// fallback uses "retrieved_documents" where the stream uses "retrieved_docs".
type CompletionMetadata struct {
	Confidence         float64  `json:"confidence,omitempty"`
	RetrievedDocs      []string `json:"retrieved_docs,omitempty"`
	RetrievedDocuments []string `json:"retrieved_documents,omitempty"`
	ProcessingTime     float64  `json:"processing_time,omitempty"`
}

// ConfidenceOrZero is nil-safe for frames without metadata.
func (m *CompletionMetadata) ConfidenceOrZero() float64 {
	if m == nil {
		return 0
	}
	return m.Confidence
}

// Documents normalizes the two retrieval-list spellings.
func (m *CompletionMetadata) Documents() []string {
	if m == nil {
		return nil
	}
	if len(m.RetrievedDocs) > 0 {
		return m.RetrievedDocs
	}
	return m.RetrievedDocuments
}

// Decode parses one inbound frame. A frame that is not a JSON object or has no
// type tag is a protocol error; the caller drops and logs it. Unknown type
// tags decode fine — ignoring them is a consumer decision, not a wire error.
func Decode(data []byte) (ServerFrame, error) {
	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ServerFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Type == "" {
		return ServerFrame{}, fmt.Errorf("decode frame: missing type tag")
	}
	return frame, nil
}

// Text returns the frame content as plain text. Progress and error frames
// carry a JSON string; anything else is returned raw.
func (f *ServerFrame) Text() string {
	if f.Type == FrameError && f.Message != "" {
		return f.Message
	}
	if len(f.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Content, &s); err == nil {
		return s
	}
	return string(f.Content)
}

// StageText returns the human-readable progress stage.
func (f *ServerFrame) StageText() string {
	if f.Stage != "" {
		return f.Stage
	}
	return f.Text()
}

// WorkflowContent decodes the generated artifact on a complete frame.
func (f *ServerFrame) WorkflowContent() (model.Workflow, error) {
	var wf model.Workflow
	if err := json.Unmarshal(f.Content, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow content: %w", err)
	}
	return wf, nil
}

// ChatFrame is the outbound user-submission frame.
type ChatFrame struct {
	Type      FrameType `json:"type"`
	Content   string    `json:"content" validate:"required"`
	SessionId string    `json:"session_id" validate:"required,uuid"`
	Timestamp string    `json:"timestamp"`
}

func NewChatFrame(content string, sessionId uuid.UUID) (*ChatFrame, error) {
	frame := &ChatFrame{
		Type:      FrameChat,
		Content:   content,
		SessionId: sessionId.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := validate.Struct(frame); err != nil {
		return nil, fmt.Errorf("validate chat frame: %w", err)
	}
	return frame, nil
}

// PingFrame is the outbound heartbeat frame.
type PingFrame struct {
	Type      FrameType `json:"type"`
	Timestamp string    `json:"timestamp"`
}

func NewPingFrame() *PingFrame {
	return &PingFrame{
		Type:      FramePing,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
