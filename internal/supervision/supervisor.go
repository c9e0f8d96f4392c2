// Package supervision provides cooperative cancellation of engine execution.
//
// Cancellation is advisory: RequestCancellation only raises a flag that the
// specialist loop checks between iterations. Callers that must know the
// engine has stopped use AwaitHalt, which polls until the engine reports it
// is no longer executing or a timeout elapses.
package supervision

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

// Verdict describes how AwaitHalt finished.
type Verdict string

const (
	VerdictConfirmed Verdict = "CONFIRMED" // the engine stopped executing
	VerdictForced    Verdict = "FORCED"    // the timeout elapsed first
	VerdictAborted   Verdict = "ABORTED"   // the caller's context ended first
)

// Halt is the result of AwaitHalt.
type Halt struct {
	Verdict Verdict
	Waited  time.Duration
	Polls   int
}

// Confirmed reports whether the engine was seen to stop.
func (h Halt) Confirmed() bool {
	return h.Verdict == VerdictConfirmed
}

// Config holds supervisor configuration.
type Config struct {
	// IsExecuting reports whether the engine is in planning, executing or
	// awaiting_user.
	IsExecuting func() bool
	// Timeout bounds AwaitHalt. Default 30s.
	Timeout time.Duration
	// PollInterval is the AwaitHalt polling period. Default 100ms.
	PollInterval time.Duration
}

// Supervisor owns the cancellation flag of one engine.
type Supervisor struct {
	cancelled   atomic.Bool
	isExecuting func() bool
	timeout     time.Duration
	interval    time.Duration
	logger      *logging.Logger
}

// New creates a new supervisor.
func New(cfg Config) *Supervisor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if interval > timeout {
		interval = timeout
	}
	isExecuting := cfg.IsExecuting
	if isExecuting == nil {
		isExecuting = func() bool { return false }
	}
	return &Supervisor{
		isExecuting: isExecuting,
		timeout:     timeout,
		interval:    interval,
		logger:      logging.New().WithComponent("supervisor"),
	}
}

// Bind sets the liveness check used by IsExecuting and AwaitHalt. Call it before
// the first AwaitHalt.
func (s *Supervisor) Bind(isExecuting func() bool) {
	if isExecuting != nil {
		s.isExecuting = isExecuting
	}
}

// RequestCancellation raises the flag and returns immediately. It does not
// wait for the running loop to notice.
func (s *Supervisor) RequestCancellation() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.logger.Info("cancellation requested", nil)
	}
}

// Cancelled reports whether cancellation has been requested.
func (s *Supervisor) Cancelled() bool {
	return s.cancelled.Load()
}

// Reset lowers the flag before the next task starts.
func (s *Supervisor) Reset() {
	s.cancelled.Store(false)
}

// IsExecuting reports whether the engine is busy.
func (s *Supervisor) IsExecuting() bool {
	return s.isExecuting()
}

// AwaitHalt polls IsExecuting until it reports false, the timeout elapses
// or ctx ends. It never blocks longer than the timeout.
func (s *Supervisor) AwaitHalt(ctx context.Context) Halt {
	start := time.Now()
	h := Halt{Polls: 1}
	if !s.isExecuting() {
		h.Verdict = VerdictConfirmed
		return h
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			h.Polls++
			if !s.isExecuting() {
				h.Verdict = VerdictConfirmed
				h.Waited = time.Since(start)
				s.logger.Info("halt confirmed", map[string]interface{}{
					"waited_ms": h.Waited.Milliseconds(),
					"polls":     h.Polls,
				})
				return h
			}
		case <-deadline.C:
			h.Verdict = VerdictForced
			h.Waited = time.Since(start)
			s.logger.Warn("halt not confirmed, proceeding", map[string]interface{}{
				"timeout": s.timeout.String(),
				"polls":   h.Polls,
			})
			return h
		case <-ctx.Done():
			h.Verdict = VerdictAborted
			h.Waited = time.Since(start)
			s.logger.Warn("halt wait aborted", map[string]interface{}{"error": ctx.Err().Error()})
			return h
		}
	}
}

// CancelAndWait requests cancellation and waits for the halt.
func (s *Supervisor) CancelAndWait(ctx context.Context) Halt {
	s.RequestCancellation()
	return s.AwaitHalt(ctx)
}
