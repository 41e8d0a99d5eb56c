package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"n8n-studio-client/internal/config"
	"n8n-studio-client/internal/model"
	"n8n-studio-client/internal/pkg/logger"
	"n8n-studio-client/internal/protocol"
)

const templatesCacheKey = "workflow_templates"

var validate = validator.New()

// FallbackError is a non-2xx reply from the API. Callers branch on it to tell
// a server-side rejection from transport trouble.
type FallbackError struct {
	StatusCode int
	Detail     string
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Detail)
}

// APIClient is the request/response collaborator used when the live channel
// is down, plus the thin endpoints the UI reads (templates, health, history).
type APIClient struct {
	baseURL   string
	http      *http.Client
	templates *cache.Cache
	log       logger.ILogger
}

func NewAPIClient(cfg *config.Config, log logger.ILogger) *APIClient {
	ttl := cfg.Storage.TemplateCacheTTL
	return &APIClient{
		baseURL:   cfg.Server.APIBaseURL,
		http:      &http.Client{Timeout: cfg.Server.HTTPTimeout},
		templates: cache.New(ttl, 2*ttl),
		log:       log,
	}
}

type chatRequest struct {
	Content          string `json:"content"`
	SessionId        string `json:"session_id"`
	UseKnowledgeBase bool   `json:"use_knowledge_base"`
}

type chatResponse struct {
	Response json.RawMessage              `json:"response"`
	Metadata *protocol.CompletionMetadata `json:"metadata"`
}

// ChatResult is one fallback generation turn. Workflow is nil when the server
// answered with plain text instead of an artifact.
type ChatResult struct {
	Workflow model.Workflow
	Text     string
	Metadata *protocol.CompletionMetadata
}

// Chat runs one generation turn over plain HTTP. The payload is equivalent to
// the websocket chat frame; the knowledge base is always consulted.
func (c *APIClient) Chat(ctx context.Context, content string, sessionId uuid.UUID) (*ChatResult, error) {
	payload := chatRequest{
		Content:          content,
		SessionId:        sessionId.String(),
		UseKnowledgeBase: true,
	}

	var reply chatResponse
	if err := c.postJSON(ctx, "/api/chat", payload, &reply); err != nil {
		return nil, err
	}

	result := &ChatResult{Metadata: reply.Metadata}
	if len(reply.Response) > 0 {
		var wf model.Workflow
		if err := json.Unmarshal(reply.Response, &wf); err == nil {
			result.Workflow = wf
		} else {
			var text string
			if err := json.Unmarshal(reply.Response, &text); err != nil {
				return nil, fmt.Errorf("decode chat response: %w", err)
			}
			result.Text = text
		}
	}
	return result, nil
}

// Templates lists the available workflow templates. Results are cached with a
// TTL; a cache hit never touches the network.
func (c *APIClient) Templates(ctx context.Context) ([]model.WorkflowTemplate, error) {
	if cached, found := c.templates.Get(templatesCacheKey); found {
		return cached.([]model.WorkflowTemplate), nil
	}

	var reply struct {
		Templates []model.WorkflowTemplate `json:"templates"`
	}
	if err := c.getJSON(ctx, "/api/templates", &reply); err != nil {
		return nil, err
	}

	c.templates.Set(templatesCacheKey, reply.Templates, cache.DefaultExpiration)
	return reply.Templates, nil
}

// Health reports server-side service availability.
func (c *APIClient) Health(ctx context.Context) (*model.HealthStatus, error) {
	var reply model.HealthStatus
	if err := c.getJSON(ctx, "/api/health", &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// HistoryEntry is one server-side chat history record.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// History fetches the server's view of a session transcript. Best effort:
// local state stays authoritative for rendering.
func (c *APIClient) History(ctx context.Context, sessionId uuid.UUID) ([]HistoryEntry, error) {
	var reply struct {
		History []HistoryEntry `json:"history"`
	}
	if err := c.getJSON(ctx, "/api/sessions/"+sessionId.String()+"/history", &reply); err != nil {
		return nil, err
	}
	return reply.History, nil
}

// FeedbackRequest rates one generated workflow.
type FeedbackRequest struct {
	SessionId    string `json:"session_id" validate:"required"`
	MessageId    string `json:"message_id" validate:"required"`
	Rating       int    `json:"rating" validate:"required,min=1,max=5"`
	FeedbackType string `json:"feedback_type" validate:"required"`
	Comment      string `json:"comment"`
}

func (c *APIClient) SubmitFeedback(ctx context.Context, req FeedbackRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("validate feedback: %w", err)
	}
	var reply struct {
		Success bool `json:"success"`
	}
	return c.postJSON(ctx, "/api/feedback", req, &reply)
}

func (c *APIClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *APIClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// FastAPI error bodies carry {"detail": "..."}.
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(raw, &detail)
		if detail.Detail == "" {
			detail.Detail = http.StatusText(resp.StatusCode)
		}
		return &FallbackError{StatusCode: resp.StatusCode, Detail: detail.Detail}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
