// Package engine coordinates task execution across chat turns.
//
// The Engine is a long-lived object owning one ExecutionState. Every
// inbound message is either a new task or the answer to a pending
// question; the engine routes it, drives the plan executor and records the
// resulting state. Suspended state survives turn boundaries, and with a
// checkpoint store, process restarts.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/specpilot/internal/checkpoint"
	"github.com/vinayprograms/specpilot/internal/events"
	"github.com/vinayprograms/specpilot/internal/executor"
	"github.com/vinayprograms/specpilot/internal/faults"
	"github.com/vinayprograms/specpilot/internal/plan"
	"github.com/vinayprograms/specpilot/internal/session"
	"github.com/vinayprograms/specpilot/internal/supervision"
)

// Config wires an Engine to its collaborators. Checkpoints and Events are
// optional.
type Config struct {
	Executor    *executor.Executor
	Sessions    session.Store
	Supervisor  *supervision.Supervisor
	Checkpoints *checkpoint.Store
	Events      events.Publisher
}

// Engine is the coordinator. It is safe for concurrent use, but runs at
// most one task at a time.
type Engine struct {
	exec     *executor.Executor
	sessions session.Store
	sup      *supervision.Supervisor
	ckpt     *checkpoint.Store
	pub      events.Publisher
	logger   *logging.Logger

	// mu guards the fields below. It is never held across model calls.
	mu       sync.Mutex
	state    ExecutionState
	running  bool
	disposed bool

	taskStarted time.Time
	stepStarted time.Time
	// taskSession is the session the running task logs to. switchedTo is
	// the project made current while that task was still running.
	taskSession string
	switchedTo  string
}

// New creates an engine in the idle stage.
func New(cfg Config) *Engine {
	e := &Engine{
		exec:     cfg.Executor,
		sessions: cfg.Sessions,
		sup:      cfg.Supervisor,
		ckpt:     cfg.Checkpoints,
		pub:      cfg.Events,
		logger:   logging.New().WithComponent("engine"),
		state:    Idle(),
	}
	if e.sup == nil {
		e.sup = supervision.New(supervision.Config{})
	}
	if e.pub == nil {
		e.pub = events.Nop{}
	}
	e.sup.Bind(e.IsExecuting)

	e.exec.OnPlanned = e.onPlanned
	e.exec.OnStepStart = e.onStepStart
	e.exec.OnStepResume = e.onStepResume
	e.exec.OnStepComplete = e.onStepComplete
	return e
}

// Supervisor returns the engine's cancellation supervisor.
func (e *Engine) Supervisor() *supervision.Supervisor {
	return e.sup
}

// IsAwaitingUser reports whether the next message answers a question.
func (e *Engine) IsAwaitingUser() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.normalizeLocked()
	return e.state.Stage == StageAwaitingUser
}

// IsExecuting reports whether a task occupies the engine: planning,
// executing or awaiting_user.
func (e *Engine) IsExecuting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running || e.state.Stage.InFlight()
}

// GetState returns a snapshot of the execution state.
func (e *Engine) GetState() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.normalizeLocked()
	return e.state.Clone()
}

// Submit routes one user message: an answer when a question is pending,
// a new task otherwise.
func (e *Engine) Submit(ctx context.Context, text string) (ExecutionState, error) {
	if e.IsAwaitingUser() {
		return e.HandleUserResponse(ctx, text)
	}
	return e.ExecuteTask(ctx, text)
}

// ExecuteTask starts a new task and runs it until it completes, fails or
// asks the user a question. While a question is pending the prompt is
// taken as its answer. While another task runs it fails with
// ErrTaskInFlight.
func (e *Engine) ExecuteTask(ctx context.Context, prompt string) (ExecutionState, error) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ExecutionState{}, faults.ErrDisposed
	}
	e.normalizeLocked()
	if e.running {
		st := e.state.Clone()
		e.mu.Unlock()
		return st, faults.ErrTaskInFlight
	}
	if e.state.Stage == StageAwaitingUser {
		e.mu.Unlock()
		e.logger.Info("message routed as answer to pending question", nil)
		return e.HandleUserResponse(ctx, prompt)
	}

	e.running = true
	e.sup.Reset()
	e.taskStarted = time.Now()
	e.switchedTo = ""
	e.state = ExecutionState{
		Stage:       StagePlanning,
		CurrentTask: prompt,
		UpdatedAt:   time.Now(),
	}
	e.persistLocked()
	e.mu.Unlock()

	defer e.recoverTask()

	sess, err := e.sessions.GetCurrentSession()
	if err != nil {
		return e.abort(ctx, fmt.Errorf("session unavailable: %w", err))
	}
	e.setSession(sess.ID)

	e.logger.Info("task started", map[string]interface{}{
		"session": sess.ID,
		"task":    truncate(prompt, 200),
	})
	e.record(sess.ID, session.Event{Type: session.EventTaskStart, Task: prompt, Stage: string(StagePlanning)})
	e.publish(ctx, events.Event{Type: events.TaskStarted, Session: sess.ID, Task: prompt, Stage: string(StagePlanning)})

	res := e.exec.Start(ctx, prompt, workspace(sess))
	return e.apply(ctx, sess.ID, res, false)
}

// HandleUserResponse resumes the suspended task with answer. It fails with
// ErrNotAwaiting when no question is pending.
func (e *Engine) HandleUserResponse(ctx context.Context, answer string) (ExecutionState, error) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ExecutionState{}, faults.ErrDisposed
	}
	e.normalizeLocked()
	if e.running {
		st := e.state.Clone()
		e.mu.Unlock()
		return st, faults.ErrTaskInFlight
	}
	if e.state.Stage != StageAwaitingUser {
		st := e.state.Clone()
		e.mu.Unlock()
		return st, faults.ErrNotAwaiting
	}

	e.running = true
	e.sup.Reset()
	e.switchedTo = ""
	rc := e.state.ResumeContext.Clone()
	pending := *e.state.PendingInteraction
	e.state.Stage = StageExecuting
	e.state.PendingInteraction = nil
	e.state.Cancelled = false
	e.state.UpdatedAt = time.Now()
	e.persistLocked()
	e.mu.Unlock()

	defer e.recoverTask()

	sess, err := e.sessions.GetCurrentSession()
	if err != nil {
		return e.abort(ctx, fmt.Errorf("session unavailable: %w", err))
	}
	e.setSession(sess.ID)

	e.logger.Info("resuming with answer", map[string]interface{}{
		"session":  sess.ID,
		"question": truncate(pending.Question, 200),
	})
	e.record(sess.ID, session.Event{
		Type:       session.EventAnswer,
		Step:       pending.Step,
		Specialist: pending.Specialist,
		Content:    answer,
		Stage:      string(StageExecuting),
	})
	e.publish(ctx, events.Event{Type: events.TaskResumed, Session: sess.ID, Step: pending.Step, Stage: string(StageExecuting)})

	res := e.exec.Resume(ctx, rc, answer, workspace(sess))
	return e.apply(ctx, sess.ID, res, true)
}

// CancelCurrentExecution requests cancellation and returns immediately. A
// pending question is dropped at once; a running task stops at its next
// iteration boundary. Use AwaitHalt to wait for that.
func (e *Engine) CancelCurrentExecution(ctx context.Context) ExecutionState {
	e.mu.Lock()
	switch {
	case e.running:
		e.state.Cancelled = true
		e.sup.RequestCancellation()
		st := e.state.Clone()
		e.persistLocked()
		e.mu.Unlock()
		e.logger.Info("cancellation requested for running task", nil)
		return st

	case e.state.Stage == StageAwaitingUser:
		e.state = ExecutionState{
			Stage:      StageIdle,
			Cancelled:  true,
			SessionID:  e.state.SessionID,
			LastOutput: e.state.LastOutput,
			UpdatedAt:  time.Now(),
		}
		st := e.state.Clone()
		e.persistLocked()
		e.mu.Unlock()
		e.logger.Info("pending question cancelled", nil)
		e.record(st.SessionID, session.Event{Type: session.EventCancel, Stage: string(StageIdle)})
		e.publish(ctx, events.Event{Type: events.TaskCancelled, Session: st.SessionID, Stage: string(StageIdle)})
		return st
	}
	st := e.state.Clone()
	e.mu.Unlock()
	return st
}

// AwaitHalt waits until the engine stops executing or the supervisor's
// timeout elapses.
func (e *Engine) AwaitHalt(ctx context.Context) supervision.Halt {
	return e.sup.AwaitHalt(ctx)
}

// SwitchProject stops any task, archives the current session when archive
// is set, and makes a new session current.
func (e *Engine) SwitchProject(ctx context.Context, name string, archive bool) (*session.Session, error) {
	e.CancelCurrentExecution(ctx)
	halt := e.AwaitHalt(ctx)
	if !halt.Confirmed() {
		e.logger.Warn("switching project before the task halted", map[string]interface{}{
			"verdict": string(halt.Verdict),
		})
	}

	var (
		sess *session.Session
		err  error
	)
	if archive {
		sess, err = e.sessions.ArchiveCurrentAndStartNew(name)
	} else {
		sess, err = e.sessions.CreateNewSession(name)
	}
	if err != nil {
		return nil, fmt.Errorf("switching project: %w", err)
	}

	e.mu.Lock()
	if e.running {
		// The task still runs against the old session; its outcome is
		// logged there and the engine lands idle on the new one.
		e.switchedTo = sess.ID
	} else {
		e.state = Idle()
		e.state.SessionID = sess.ID
		e.persistLocked()
	}
	e.mu.Unlock()

	e.logger.Info("project switched", map[string]interface{}{
		"session": sess.ID,
		"name":    sess.Name,
	})
	return sess, nil
}

// Restore loads the last persisted state. A suspended question is
// restored as is; a task that was planning or executing when the process
// stopped is marked failed with its resume context kept.
func (e *Engine) Restore() (bool, error) {
	if e.ckpt == nil {
		return false, nil
	}
	var st ExecutionState
	ok, err := e.ckpt.Load(&st)
	if err != nil || !ok {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false, faults.ErrTaskInFlight
	}

	if st.Stage == StagePlanning || st.Stage == StageExecuting {
		e.logger.Warn("task interrupted by restart", map[string]interface{}{"stage": string(st.Stage)})
		st.Stage = StageError
		st.PendingInteraction = nil
		st.LastError = "interrupted: the process stopped while the task was running"
	}
	e.state = st
	e.normalizeLocked()
	e.logger.Info("state restored", map[string]interface{}{"stage": string(e.state.Stage)})
	return true, nil
}

// Dispose stops a running task and resets the engine to idle. The last
// persisted snapshot is left in place so a pending question can be
// restored by the next process. The engine accepts no work afterwards.
func (e *Engine) Dispose(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	running := e.running
	e.mu.Unlock()

	if running {
		e.sup.RequestCancellation()
		if halt := e.sup.AwaitHalt(ctx); !halt.Confirmed() {
			e.logger.Warn("disposing before the task halted", map[string]interface{}{
				"verdict": string(halt.Verdict),
			})
		}
	}

	e.mu.Lock()
	e.state = Idle()
	e.mu.Unlock()
	e.logger.Info("engine disposed", nil)
	return nil
}

// apply records the executor result as the new state.
func (e *Engine) apply(ctx context.Context, sessionID string, res executor.Result, resumed bool) (ExecutionState, error) {
	now := time.Now()

	e.mu.Lock()
	next := ExecutionState{
		CurrentTask: e.state.CurrentTask,
		SessionID:   sessionID,
		UpdatedAt:   now,
	}

	// A question asked after cancellation was requested is dropped.
	if res.Status == executor.StatusAwaiting && e.sup.Cancelled() {
		res.Status = executor.StatusFailed
		res.Cancelled = true
		res.Error = faults.ErrCancelled.Error()
	}

	var ev events.Event
	var logEv session.Event
	switch res.Status {
	case executor.StatusAwaiting:
		next.Stage = StageAwaitingUser
		next.ResumeContext = res.ResumeContext
		pending := &PendingInteraction{
			Question: res.Question,
			Options:  res.Options,
			AskedAt:  now,
		}
		if res.ResumeContext != nil {
			if step := res.ResumeContext.PlanExecutorState.CurrentStep(); step != nil {
				pending.Step = step.ID
				pending.Specialist = step.Specialist
			}
		}
		next.PendingInteraction = pending
		ev = events.Event{Type: events.TaskSuspended, Step: pending.Step, Question: pending.Question}
		logEv = session.Event{Type: session.EventQuestion, Step: pending.Step, Specialist: pending.Specialist, Content: pending.Question}

	case executor.StatusCompleted:
		next.Stage = StageCompleted
		next.LastOutput = res.Output
		ev = events.Event{Type: events.TaskCompleted, Output: truncate(res.Output, 2000)}
		logEv = session.Event{Type: session.EventTaskEnd, Content: res.Output}
		if !e.taskStarted.IsZero() {
			logEv.DurationMs = now.Sub(e.taskStarted).Milliseconds()
		}

	default:
		if res.Cancelled {
			next.Stage = StageIdle
			next.Cancelled = true
			next.LastError = res.Error
			ev = events.Event{Type: events.TaskCancelled}
			logEv = session.Event{Type: session.EventCancel, Error: res.Error}
		} else {
			next.Stage = StageError
			next.LastError = res.Error
			next.ResumeContext = res.ResumeContext
			ev = events.Event{Type: events.TaskFailed, Error: res.Error}
			logEv = session.Event{Type: session.EventTaskEnd, Error: res.Error}
		}
	}

	taskStage := next.Stage
	e.state = next
	e.running = false
	if e.projectChangedLocked() {
		e.logger.Info("project changed while the task ran", map[string]interface{}{
			"task_session": sessionID,
			"task_stage":   string(taskStage),
		})
	}
	e.normalizeLocked()
	e.persistLocked()
	st := e.state.Clone()
	e.mu.Unlock()

	e.logger.Info("task transition", map[string]interface{}{
		"stage":   string(taskStage),
		"resumed": resumed,
		"results": len(res.Results),
	})

	logEv.Stage = string(taskStage)
	e.record(sessionID, logEv)

	ev.Session = sessionID
	ev.Task = next.CurrentTask
	ev.Stage = string(taskStage)
	e.publish(ctx, ev)
	return st, nil
}

// abort ends the task in the error stage for a failure outside the
// executor.
func (e *Engine) abort(ctx context.Context, err error) (ExecutionState, error) {
	e.logger.Error("task aborted", map[string]interface{}{"error": err.Error()})

	e.mu.Lock()
	task := e.state.CurrentTask
	e.state.Stage = StageError
	e.state.PendingInteraction = nil
	e.state.LastError = err.Error()
	e.state.UpdatedAt = time.Now()
	e.running = false
	e.projectChangedLocked()
	e.persistLocked()
	st := e.state.Clone()
	e.mu.Unlock()

	e.publish(ctx, events.Event{Type: events.TaskFailed, Task: task, Stage: string(StageError), Error: err.Error()})
	return st, err
}

// recoverTask keeps a panic from leaving the engine marked as running.
func (e *Engine) recoverTask() {
	if p := recover(); p != nil {
		e.logger.Error("task panic", map[string]interface{}{"panic": fmt.Sprintf("%v", p)})
		e.mu.Lock()
		e.state.Stage = StageError
		e.state.PendingInteraction = nil
		e.state.LastError = fmt.Sprintf("internal error: %v", p)
		e.running = false
		e.projectChangedLocked()
		e.persistLocked()
		e.mu.Unlock()
	}
}

// projectChangedLocked moves the engine to the project made current while
// the finished task ran, if any. Caller holds e.mu.
func (e *Engine) projectChangedLocked() bool {
	if e.switchedTo == "" {
		return false
	}
	e.state = Idle()
	e.state.SessionID = e.switchedTo
	e.switchedTo = ""
	return true
}

// normalizeLocked enforces the state invariants. A stage that claims work
// is in progress while nothing runs becomes idle, and with no suspension
// left to answer its resume context goes too. Caller holds e.mu.
func (e *Engine) normalizeLocked() {
	repaired := e.state.Normalize()
	if repaired {
		e.logger.Warn("inconsistent state repaired, proceeding", map[string]interface{}{
			"stage": string(e.state.Stage),
		})
	}
	if !e.running && (e.state.Stage == StagePlanning || e.state.Stage == StageExecuting) {
		e.state.Stage = StageIdle
		e.state.ResumeContext = nil
		repaired = true
	}
	if repaired {
		e.persistLocked()
	}
}

// persistLocked writes a snapshot. Caller holds e.mu.
func (e *Engine) persistLocked() {
	if e.ckpt == nil {
		return
	}
	if err := e.ckpt.Save(string(e.state.Stage), e.state); err != nil {
		e.logger.Error("failed to persist state", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) setSession(id string) {
	e.mu.Lock()
	e.state.SessionID = id
	e.taskSession = id
	e.mu.Unlock()
}

func (e *Engine) currentTaskSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taskSession
}

func (e *Engine) setStage(stage Stage) {
	e.mu.Lock()
	e.state.Stage = stage
	e.state.UpdatedAt = time.Now()
	e.persistLocked()
	e.mu.Unlock()
}

// record appends an audit entry to sessionID, or to the current session
// when it is empty. Failures are logged and never change the task's
// outcome.
func (e *Engine) record(sessionID string, ev session.Event) {
	if _, err := e.sessions.UpdateSessionWithLog(session.LogRequest{SessionID: sessionID, Event: ev}); err != nil {
		e.logger.Warn("failed to log to session", map[string]interface{}{
			"event": ev.Type,
			"error": err.Error(),
		})
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish event", map[string]interface{}{
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}

// Executor callbacks

func (e *Engine) onPlanned(p *plan.Plan) {
	e.setStage(StageExecuting)
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.ID + ":" + s.Specialist
	}
	e.record(e.currentTaskSession(), session.Event{Type: session.EventPlan, Content: fmt.Sprintf("%v", names), Stage: string(StageExecuting)})
}

func (e *Engine) onStepStart(_ int, step plan.Step) {
	e.markStep()
	e.record(e.currentTaskSession(), session.Event{Type: session.EventStepStart, Step: step.ID, Specialist: step.Specialist})
}

func (e *Engine) onStepResume(_ int, step plan.Step, cycles int) {
	e.markStep()
	e.record(e.currentTaskSession(), session.Event{
		Type:       session.EventStepStart,
		Step:       step.ID,
		Specialist: step.Specialist,
		Content:    fmt.Sprintf("resumed after %d suspension(s)", cycles),
	})
}

func (e *Engine) onStepComplete(_ int, r plan.StepResult) {
	e.mu.Lock()
	started := e.stepStarted
	sessionID := e.taskSession
	e.mu.Unlock()

	ev := session.Event{
		Type:       session.EventStepEnd,
		Step:       r.StepID,
		Specialist: r.Specialist,
		Content:    r.Output,
	}
	if !started.IsZero() {
		ev.DurationMs = time.Since(started).Milliseconds()
	}
	e.record(sessionID, ev)
}

func (e *Engine) markStep() {
	e.mu.Lock()
	e.stepStarted = time.Now()
	e.mu.Unlock()
}

func workspace(s *session.Session) executor.Workspace {
	return executor.Workspace{Dir: s.BaseDir, ActiveFiles: s.ActiveFiles}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
