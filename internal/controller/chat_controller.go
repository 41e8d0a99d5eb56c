package controller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"n8n-studio-client/internal/model"
	"n8n-studio-client/internal/pkg/logger"
	"n8n-studio-client/internal/protocol"
	"n8n-studio-client/internal/store"
	"n8n-studio-client/internal/websocket"
)

var (
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrGenerationInProgress = errors.New("a generation turn is already in progress")
)

// Transport is the slice of the connection manager the controller needs.
type Transport interface {
	Send(v interface{})
	Subscribe(onMessage websocket.MessageHandler, onStatus websocket.StatusHandler) *websocket.Subscription
	Unsubscribe(sub *websocket.Subscription)
	Status() websocket.Status
}

// turnState tracks one generation turn:
// idle -> sent -> progress* -> completed | failed.
// Completed and failed are terminal; the machine leaves them only when the
// next submission starts a new turn.
type turnState int

const (
	turnIdle turnState = iota
	turnSent
	turnProgress
	turnCompleted
	turnFailed
)

// TurnListener is invoked on every turn-state or connection-status change.
type TurnListener func()

// ChatController orchestrates one generation turn: user input to transport
// send (or HTTP fallback), protocol event to store mutation. Exactly one
// terminal message — assistant success or system error — is appended per
// turn, whichever transport path served it.
type ChatController struct {
	store *store.Store
	conn  Transport
	api   *APIClient
	log   logger.ILogger

	bootstrapOnce sync.Once

	mu            sync.Mutex
	turn          turnState
	turnSessionId uuid.UUID
	turnOverLive  bool
	stage         string
	progress      float64
	status        websocket.Status
	sub           *websocket.Subscription
	listeners     []TurnListener
}

func NewChatController(st *store.Store, conn Transport, api *APIClient, log logger.ILogger) *ChatController {
	return &ChatController{
		store: st,
		conn:  conn,
		api:   api,
		log:   log,
	}
}

// Start registers the controller on the shared connection.
func (c *ChatController) Start() {
	sub := c.conn.Subscribe(c.handleFrame, c.handleStatus)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

func (c *ChatController) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		c.conn.Unsubscribe(sub)
	}
}

// Subscribe registers a listener for turn/status changes (the generating
// indicator and the connection banner).
func (c *ChatController) Subscribe(fn TurnListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// EnsureSession guarantees exactly one session exists when the store is
// empty, even under concurrent callers racing at mount time.
func (c *ChatController) EnsureSession() {
	c.bootstrapOnce.Do(func() {
		if c.store.Len() == 0 {
			c.store.CreateSession("")
		}
	})
}

// Submit starts one generation turn: the user message is appended to the
// active session immediately, then the chat frame goes over the live channel
// if it is connected, or the HTTP fallback otherwise.
func (c *ChatController) Submit(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	c.EnsureSession()
	session := c.store.ActiveSession()
	if session == nil {
		// Every session was deleted since bootstrap; submitting implies one.
		session = c.store.CreateSession("")
	}

	c.mu.Lock()
	if c.turn == turnSent || c.turn == turnProgress {
		c.mu.Unlock()
		return ErrGenerationInProgress
	}
	c.turn = turnSent
	c.turnSessionId = session.Id
	c.turnOverLive = false
	c.stage = ""
	c.progress = 0
	c.mu.Unlock()
	c.notifyTurn()

	if _, err := c.store.AppendMessage(session.Id, model.RoleUser, content, nil); err != nil {
		c.resetTurn()
		return err
	}

	if c.conn.Status().Connected {
		frame, err := protocol.NewChatFrame(content, session.Id)
		if err != nil {
			c.resetTurn()
			return err
		}
		c.mu.Lock()
		c.turnOverLive = true
		c.mu.Unlock()
		c.conn.Send(frame)
		return nil
	}

	c.log.Info("ChatController", "Live channel down, using HTTP fallback", nil)
	go c.fallback(ctx, session.Id, content)
	return nil
}

// Generating reports whether a turn is awaiting its terminal response.
func (c *ChatController) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn == turnSent || c.turn == turnProgress
}

// Progress returns the latest stage hint for the in-flight turn.
func (c *ChatController) Progress() (stage string, fraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage, c.progress
}

// ConnectionStatus returns the last status projection seen.
func (c *ChatController) ConnectionStatus() websocket.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SubmitFeedback rates a generated message with the feedback endpoint.
func (c *ChatController) SubmitFeedback(ctx context.Context, sessionId, messageId uuid.UUID, rating int, kind, comment string) error {
	return c.api.SubmitFeedback(ctx, FeedbackRequest{
		SessionId:    sessionId.String(),
		MessageId:    messageId.String(),
		Rating:       rating,
		FeedbackType: kind,
		Comment:      comment,
	})
}

// HydrateHistory back-fills a session that has no local messages from the
// server transcript. Best effort: on any error local state wins.
func (c *ChatController) HydrateHistory(ctx context.Context, sessionId uuid.UUID) {
	session, err := c.store.Get(sessionId)
	if err != nil || len(session.Messages) > 0 {
		return
	}
	entries, err := c.api.History(ctx, sessionId)
	if err != nil {
		c.log.Warn("ChatController", "History hydration failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, entry := range entries {
		if _, err := c.store.AppendMessage(sessionId, entry.Role, entry.Content, nil); err != nil {
			return
		}
	}
}

func (c *ChatController) handleStatus(status websocket.Status) {
	c.mu.Lock()
	c.status = status
	// The terminal frame for a turn arrives on the socket that carried its
	// chat frame; losing that socket means the turn can never finish. Turns
	// in flight over the HTTP fallback are untouched.
	dropped := !status.Connected && c.turnOverLive &&
		(c.turn == turnSent || c.turn == turnProgress)
	c.mu.Unlock()

	if dropped {
		c.failTurn("Connection lost before the response arrived")
	}
	c.notifyTurn()
}

// handleFrame maps protocol events onto store mutations. Progress only moves
// the generating indicator; complete and error each append exactly one
// terminal message. Anything else is ignored without side effects.
func (c *ChatController) handleFrame(frame protocol.ServerFrame) {
	switch frame.Type {
	case protocol.FrameProgress:
		c.mu.Lock()
		if c.turn != turnSent && c.turn != turnProgress {
			c.mu.Unlock()
			return
		}
		c.turn = turnProgress
		c.stage = frame.StageText()
		c.progress = frame.Progress
		c.mu.Unlock()
		c.notifyTurn()

	case protocol.FrameComplete:
		workflow, err := frame.WorkflowContent()
		if err != nil {
			c.log.Warn("ChatController", "Complete frame with unreadable workflow", map[string]interface{}{"error": err.Error()})
			c.failTurn("Received a workflow the client could not read")
			return
		}
		meta := &model.MessageMetadata{
			Workflow:           workflow,
			Confidence:         frame.Metadata.ConfidenceOrZero(),
			RetrievedDocuments: frame.Metadata.Documents(),
		}
		c.completeTurn(renderWorkflow(workflow), workflow, meta)

	case protocol.FrameError:
		reason := frame.Text()
		if reason == "" {
			reason = "workflow generation failed"
		}
		c.failTurn(reason)

	default:
		// ping, typing, unknown tags: no state change
	}
}

func (c *ChatController) fallback(ctx context.Context, sessionId uuid.UUID, content string) {
	result, err := c.api.Chat(ctx, content, sessionId)
	if err != nil {
		c.log.Warn("ChatController", "HTTP fallback failed", map[string]interface{}{"error": err.Error()})
		c.failTurn("Generation failed: " + err.Error())
		return
	}

	meta := &model.MessageMetadata{
		Workflow:           result.Workflow,
		Confidence:         result.Metadata.ConfidenceOrZero(),
		RetrievedDocuments: result.Metadata.Documents(),
	}
	if result.Metadata != nil {
		meta.ProcessingTime = result.Metadata.ProcessingTime
	}
	reply := result.Text
	if reply == "" {
		reply = renderWorkflow(result.Workflow)
	}
	c.completeTurn(reply, result.Workflow, meta)
}

// takeTurn claims the terminal transition for the in-flight turn. It returns
// the turn's session and false when no turn is awaiting a response, which is
// what keeps the one-terminal-message-per-turn rule across both transports.
func (c *ChatController) takeTurn(next turnState) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != turnSent && c.turn != turnProgress {
		return uuid.Nil, false
	}
	c.turn = next
	c.turnOverLive = false
	c.stage = ""
	c.progress = 0
	return c.turnSessionId, true
}

func (c *ChatController) completeTurn(content string, workflow model.Workflow, meta *model.MessageMetadata) {
	sessionId, ok := c.takeTurn(turnCompleted)
	if !ok {
		return
	}

	if _, err := c.store.AppendMessage(sessionId, model.RoleAssistant, content, meta); err != nil {
		c.log.Error("ChatController", "Failed to append assistant message", map[string]interface{}{"error": err.Error()})
	}
	if workflow != nil {
		if err := c.store.SetWorkflowArtifact(sessionId, workflow); err != nil {
			c.log.Error("ChatController", "Failed to set workflow artifact", map[string]interface{}{"error": err.Error()})
		}
	}
	c.notifyTurn()
}

func (c *ChatController) failTurn(reason string) {
	sessionId, ok := c.takeTurn(turnFailed)
	if !ok {
		return
	}

	if _, err := c.store.AppendMessage(sessionId, model.RoleSystem, reason, nil); err != nil {
		c.log.Error("ChatController", "Failed to append system message", map[string]interface{}{"error": err.Error()})
	}
	c.notifyTurn()
}

func (c *ChatController) resetTurn() {
	c.mu.Lock()
	c.turn = turnIdle
	c.turnOverLive = false
	c.stage = ""
	c.progress = 0
	c.mu.Unlock()
	c.notifyTurn()
}

func (c *ChatController) notifyTurn() {
	c.mu.Lock()
	listeners := make([]TurnListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// renderWorkflow is the chat-visible text for a completed generation.
func renderWorkflow(workflow model.Workflow) string {
	if workflow == nil {
		return "Workflow generation completed."
	}
	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return "Workflow generation completed."
	}
	return string(data)
}
