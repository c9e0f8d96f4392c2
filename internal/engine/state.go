package engine

import (
	"time"

	"github.com/vinayprograms/specpilot/internal/resume"
)

// Stage is where the engine is in the lifecycle of a task.
type Stage string

const (
	StageIdle         Stage = "idle"
	StagePlanning     Stage = "planning"
	StageExecuting    Stage = "executing"
	StageAwaitingUser Stage = "awaiting_user"
	StageCompleted    Stage = "completed"
	StageError        Stage = "error"
)

// InFlight reports whether a task occupies the engine in this stage.
func (s Stage) InFlight() bool {
	return s == StagePlanning || s == StageExecuting || s == StageAwaitingUser
}

// PendingInteraction is the question shown to the user while awaiting.
type PendingInteraction struct {
	Question   string    `json:"question"`
	Options    []string  `json:"options,omitempty"`
	Step       string    `json:"step,omitempty"`
	Specialist string    `json:"specialist,omitempty"`
	AskedAt    time.Time `json:"askedAt"`
}

// ExecutionState is the engine's single state record. PendingInteraction is
// set iff Stage is awaiting_user.
type ExecutionState struct {
	Stage              Stage               `json:"stage"`
	CurrentTask        string              `json:"currentTask,omitempty"`
	PendingInteraction *PendingInteraction `json:"pendingInteraction,omitempty"`
	ResumeContext      *resume.Context     `json:"resumeContext,omitempty"`
	Cancelled          bool                `json:"cancelled"`

	SessionID  string    `json:"sessionId,omitempty"`
	LastOutput string    `json:"lastOutput,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Idle returns the resting state.
func Idle() ExecutionState {
	return ExecutionState{Stage: StageIdle, UpdatedAt: time.Now()}
}

// Clone returns a deep copy.
func (s ExecutionState) Clone() ExecutionState {
	c := s
	if s.PendingInteraction != nil {
		p := *s.PendingInteraction
		p.Options = append([]string(nil), s.PendingInteraction.Options...)
		c.PendingInteraction = &p
	}
	c.ResumeContext = s.ResumeContext.Clone()
	return c
}

// Normalize repairs a state that breaks the pending interaction invariant
// and reports whether it did. Awaiting with nothing to show cannot be
// answered, so it proceeds as executing; a question left over outside
// awaiting_user is dropped.
func (s *ExecutionState) Normalize() bool {
	switch {
	case s.Stage == StageAwaitingUser && (s.PendingInteraction == nil || s.PendingInteraction.Question == ""):
		s.Stage = StageExecuting
		s.PendingInteraction = nil
		return true
	case s.Stage != StageAwaitingUser && s.PendingInteraction != nil:
		s.PendingInteraction = nil
		return true
	}
	return false
}
