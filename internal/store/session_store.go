package store

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"n8n-studio-client/internal/model"
	"n8n-studio-client/internal/pkg/logger"
)

var ErrSessionNotFound = errors.New("session not found")

const defaultSessionTitle = "New Chat"

// ChangeListener is invoked after every committed mutation. The rendering
// layer re-reads the store from it.
type ChangeListener func()

// Store is the durable conversation state machine: the ordered session list
// and the active selection. Messages are append-only; a session's artifact is
// replaced wholesale on each completion. Every committed mutation is followed
// by a full-snapshot write to local storage; if that write fails the store
// degrades to memory-only for the rest of the process.
type Store struct {
	mu        sync.Mutex
	sessions  []*model.Session // newest first
	activeId  uuid.UUID        // uuid.Nil when no session exists
	snapshot  *SnapshotFile
	degraded  bool
	listeners []ChangeListener
	log       logger.ILogger
}

// NewStore restores state from the snapshot at path. A missing or corrupted
// snapshot yields the empty initial state, never an error.
func NewStore(path string, log logger.ILogger) *Store {
	s := &Store{
		snapshot: NewSnapshotFile(path),
		log:      log,
	}
	s.restore()
	return s
}

func (s *Store) restore() {
	rec, err := s.snapshot.Load()
	if err != nil {
		s.log.Warn("SessionStore", "Snapshot unreadable, starting empty", map[string]interface{}{"error": err.Error()})
		return
	}
	if rec == nil {
		return
	}

	s.sessions = rec.Sessions
	if rec.ActiveSessionId != "" {
		if id, perr := uuid.Parse(rec.ActiveSessionId); perr == nil {
			s.activeId = id
		}
	}
	// The active id must reference an existing session.
	if s.findLocked(s.activeId) == nil {
		s.activeId = uuid.Nil
		if len(s.sessions) > 0 {
			s.activeId = s.sessions[0].Id
		}
	}
}

// Subscribe registers a listener called after each committed mutation.
func (s *Store) Subscribe(fn ChangeListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// CreateSession inserts a new session at the front of the list and makes it
// active. An empty title gets the default.
func (s *Store) CreateSession(title string) *model.Session {
	if title == "" {
		title = defaultSessionTitle
	}
	session := model.NewSession(title)

	s.mu.Lock()
	s.sessions = append([]*model.Session{session}, s.sessions...)
	s.activeId = session.Id
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return session.Clone()
}

// AppendMessage appends one message to the session's sequence. Insertion
// order is semantic: messages are never reordered or dropped.
func (s *Store) AppendMessage(sessionId uuid.UUID, role, content string, meta *model.MessageMetadata) (model.ChatMessage, error) {
	msg := model.NewChatMessage(role, content)
	msg.Metadata = meta

	s.mu.Lock()
	session := s.findLocked(sessionId)
	if session == nil {
		s.mu.Unlock()
		return model.ChatMessage{}, ErrSessionNotFound
	}
	session.Messages = append(session.Messages, msg)
	session.UpdatedAt = msg.CreatedAt
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return msg, nil
}

// SetWorkflowArtifact replaces the session's current artifact. Artifacts are
// never merged.
func (s *Store) SetWorkflowArtifact(sessionId uuid.UUID, workflow model.Workflow) error {
	s.mu.Lock()
	session := s.findLocked(sessionId)
	if session == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	session.Workflow = workflow
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Store) RenameSession(sessionId uuid.UUID, title string) error {
	s.mu.Lock()
	session := s.findLocked(sessionId)
	if session == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	session.Title = title
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return nil
}

// DeleteSession removes a session. Deleting the active session moves the
// selection to the first remaining session, or clears it when none remain.
func (s *Store) DeleteSession(sessionId uuid.UUID) error {
	s.mu.Lock()
	idx := -1
	for i, session := range s.sessions {
		if session.Id == sessionId {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	if s.activeId == sessionId {
		s.activeId = uuid.Nil
		if len(s.sessions) > 0 {
			s.activeId = s.sessions[0].Id
		}
	}
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Store) SetActiveSession(sessionId uuid.UUID) error {
	s.mu.Lock()
	if s.findLocked(sessionId) == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.activeId = sessionId
	s.persistLocked()
	s.mu.Unlock()

	s.notify()
	return nil
}

// Sessions returns the session list, newest first, as copies.
func (s *Store) Sessions() []*model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Session, len(s.sessions))
	for i, session := range s.sessions {
		out[i] = session.Clone()
	}
	return out
}

// ActiveSession returns a copy of the active session, or nil.
func (s *Store) ActiveSession() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.findLocked(s.activeId)
	if session == nil {
		return nil
	}
	return session.Clone()
}

func (s *Store) ActiveSessionId() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeId
}

func (s *Store) Get(sessionId uuid.UUID) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.findLocked(sessionId)
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) findLocked(sessionId uuid.UUID) *model.Session {
	if sessionId == uuid.Nil {
		return nil
	}
	for _, session := range s.sessions {
		if session.Id == sessionId {
			return session
		}
	}
	return nil
}

// persistLocked writes the full snapshot after a committed mutation. A write
// failure degrades the store to memory-only; it is warned, never returned.
func (s *Store) persistLocked() {
	if s.degraded {
		return
	}
	rec := &snapshotRecord{
		Sessions:        s.sessions,
		ActiveSessionId: "",
	}
	if s.activeId != uuid.Nil {
		rec.ActiveSessionId = s.activeId.String()
	}
	if err := s.snapshot.Save(rec); err != nil {
		s.degraded = true
		s.log.Warn("SessionStore", "Snapshot write failed, continuing in memory only", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
