// Package session provides per-project session management and persistence.
//
// A session is the record of one authoring project: its working directory,
// the files in play and an audit log of everything the engine did. Exactly
// one session is current at a time. Superseded or expired sessions are
// archived, never deleted.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
)

// FormatVersion is written into every session's metadata.
const FormatVersion = 1

// Status constants for sessions.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Event types for the session log.
const (
	EventSessionStart = "session_start"
	EventTaskStart    = "task_start"
	EventPlan         = "plan"
	EventStepStart    = "step_start"
	EventStepEnd      = "step_end"
	EventQuestion     = "question"
	EventAnswer       = "answer"
	EventTaskEnd      = "task_end"
	EventCancel       = "cancel"
	EventArchive      = "archive"
)

// Meta is the session metadata block.
type Meta struct {
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	FormatVersion int       `json:"format_version"`
}

// Session is one project's record.
type Session struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	BaseDir     string   `json:"base_dir"`
	ActiveFiles []string `json:"active_files,omitempty"`
	Meta        Meta     `json:"meta"`
	Status      string   `json:"status"`
	Events      []Event  `json:"events"`

	// Internal state (not persisted)
	seqCounter uint64
	mu         sync.Mutex
}

// Event is a single entry in the session log.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Where in execution this happened
	Task       string `json:"task,omitempty"`
	Step       string `json:"step,omitempty"`
	Specialist string `json:"specialist,omitempty"`
	Stage      string `json:"stage,omitempty"`

	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (s *Session) nextSeqID() uint64 {
	return atomic.AddUint64(&s.seqCounter, 1)
}

// CurrentSeqID returns the last used sequence ID, 0 if none.
func (s *Session) CurrentSeqID() uint64 {
	return atomic.LoadUint64(&s.seqCounter)
}

// AddEvent adds an event to the session with automatic sequencing.
func (s *Session) AddEvent(event Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.SeqID = s.nextSeqID()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Events = append(s.Events, event)
	s.Meta.UpdatedAt = event.Timestamp
	return event.SeqID
}

// Clone returns an independent copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Session{
		ID:          s.ID,
		Name:        s.Name,
		BaseDir:     s.BaseDir,
		ActiveFiles: append([]string(nil), s.ActiveFiles...),
		Meta:        s.Meta,
		Status:      s.Status,
		Events:      append([]Event(nil), s.Events...),
		seqCounter:  atomic.LoadUint64(&s.seqCounter),
	}
	return c
}

// restoreSeq resets the sequence counter from the loaded events.
func (s *Session) restoreSeq() {
	if n := len(s.Events); n > 0 {
		s.seqCounter = s.Events[n-1].SeqID
	}
}

// LogRequest is one atomic state change plus its audit entry.
type LogRequest struct {
	// SessionID binds the entry to one session. Empty means the current
	// session. A session that is no longer current receives the entry as
	// stored and the current session is left untouched.
	SessionID string
	Event     Event
	// AddFiles are appended to the active files, ignoring duplicates.
	AddFiles []string
}

// Store is the session service the engine consumes.
type Store interface {
	// GetCurrentSession returns the current session, creating one on first
	// use and replacing it when it expired through inactivity.
	GetCurrentSession() (*Session, error)
	// CreateNewSession makes a new session current. The previous one stays
	// as it was.
	CreateNewSession(name string) (*Session, error)
	// UpdateSessionWithLog applies req to the current session, or to the
	// session req names, and persists it in one write.
	UpdateSessionWithLog(req LogRequest) (*Session, error)
	// ArchiveCurrentAndStartNew archives the current session and makes a
	// new one current.
	ArchiveCurrentAndStartNew(name string) (*Session, error)
}

// Backend persists sessions.
type Backend interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
	CurrentID() (string, error)
	SetCurrentID(id string) error
	Close() error
}

// Options configure a Manager.
type Options struct {
	// Root is the directory project working directories are created under.
	Root string
	// Inactivity archives the current session when it has not been updated
	// for this long. Zero disables expiry.
	Inactivity time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Manager implements Store on top of a Backend. Returned sessions are
// snapshots; callers never share the manager's copy.
type Manager struct {
	backend    Backend
	root       string
	inactivity time.Duration
	now        func() time.Time
	logger     *logging.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a new session manager.
func NewManager(backend Backend, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		backend:    backend,
		root:       opts.Root,
		inactivity: opts.Inactivity,
		now:        now,
		logger:     logging.New().WithComponent("session"),
	}
}

// GetCurrentSession implements Store.
func (m *Manager) GetCurrentSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureCurrent(); err != nil {
		return nil, err
	}
	return m.current.Clone(), nil
}

// CreateNewSession implements Store.
func (m *Manager) CreateNewSession(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.create(name)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// UpdateSessionWithLog implements Store. The change is applied to a copy
// and only becomes current once it is persisted.
func (m *Manager) UpdateSessionWithLog(req LogRequest) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.SessionID != "" && (m.current == nil || m.current.ID != req.SessionID) {
		return m.logTo(req)
	}
	if err := m.ensureCurrent(); err != nil {
		return nil, err
	}

	next := m.current.Clone()
	for _, f := range req.AddFiles {
		if !contains(next.ActiveFiles, f) {
			next.ActiveFiles = append(next.ActiveFiles, f)
		}
	}
	if req.Event.Timestamp.IsZero() {
		req.Event.Timestamp = m.now()
	}
	next.AddEvent(req.Event)

	if err := m.backend.Save(next); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", next.ID, err)
	}
	m.current = next
	return next.Clone(), nil
}

// logTo appends req to a session that is not current. Caller holds m.mu.
func (m *Manager) logTo(req LogRequest) (*Session, error) {
	sess, err := m.backend.Load(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", req.SessionID, err)
	}
	for _, f := range req.AddFiles {
		if !contains(sess.ActiveFiles, f) {
			sess.ActiveFiles = append(sess.ActiveFiles, f)
		}
	}
	if req.Event.Timestamp.IsZero() {
		req.Event.Timestamp = m.now()
	}
	sess.AddEvent(req.Event)
	if err := m.backend.Save(sess); err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	return sess.Clone(), nil
}

// ArchiveCurrentAndStartNew implements Store.
func (m *Manager) ArchiveCurrentAndStartNew(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureCurrent(); err != nil {
		return nil, err
	}
	if err := m.archive(m.current, "superseded"); err != nil {
		return nil, err
	}
	sess, err := m.create(name)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Load returns a stored session by id, archived or not.
func (m *Manager) Load(id string) (*Session, error) {
	return m.backend.Load(id)
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// ensureCurrent loads or creates the current session. Caller holds m.mu.
func (m *Manager) ensureCurrent() error {
	if m.current == nil {
		id, err := m.backend.CurrentID()
		if err != nil {
			return fmt.Errorf("failed to read current session: %w", err)
		}
		if id != "" {
			sess, err := m.backend.Load(id)
			if err != nil {
				m.logger.Warn("current session unreadable, starting a new one", map[string]interface{}{
					"session": id,
					"error":   err.Error(),
				})
			} else if sess.Status != StatusArchived {
				m.current = sess
			}
		}
	}

	if m.current != nil && m.expired(m.current) {
		m.logger.Info("session expired", map[string]interface{}{
			"session":    m.current.ID,
			"updated_at": m.current.Meta.UpdatedAt,
		})
		name := m.current.Name
		if err := m.archive(m.current, "inactivity"); err != nil {
			return err
		}
		_, err := m.create(name)
		return err
	}

	if m.current == nil {
		_, err := m.create("")
		return err
	}
	return nil
}

func (m *Manager) expired(s *Session) bool {
	return m.inactivity > 0 && m.now().Sub(s.Meta.UpdatedAt) > m.inactivity
}

// create makes and persists a new current session. Caller holds m.mu.
func (m *Manager) create(name string) (*Session, error) {
	id := uuid.NewString()
	now := m.now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "project-" + id[:8]
	}

	dir := filepath.Join(m.root, slug(name))
	if m.root != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create project directory: %w", err)
		}
	}

	sess := &Session{
		ID:      id,
		Name:    name,
		BaseDir: dir,
		Meta:    Meta{CreatedAt: now, UpdatedAt: now, FormatVersion: FormatVersion},
		Status:  StatusActive,
		Events:  []Event{},
	}
	sess.AddEvent(Event{Type: EventSessionStart, Content: name, Timestamp: now})

	if err := m.backend.Save(sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	if err := m.backend.SetCurrentID(id); err != nil {
		return nil, fmt.Errorf("failed to set current session: %w", err)
	}
	m.current = sess
	m.logger.Info("session created", map[string]interface{}{
		"session":  id,
		"name":     name,
		"base_dir": dir,
	})
	return sess, nil
}

// archive marks s archived and persists it. Caller holds m.mu.
func (m *Manager) archive(s *Session, reason string) error {
	next := s.Clone()
	next.AddEvent(Event{Type: EventArchive, Content: reason, Timestamp: m.now()})
	next.Status = StatusArchived
	if err := m.backend.Save(next); err != nil {
		return fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}
	m.current = nil
	m.logger.Info("session archived", map[string]interface{}{
		"session": s.ID,
		"reason":  reason,
	})
	return nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slug(name string) string {
	s := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return "project"
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
