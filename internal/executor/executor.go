// Package executor runs a plan as a sequence of specialist invocations and
// suspends the whole plan when a specialist needs the user.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/specpilot/internal/faults"
	"github.com/vinayprograms/specpilot/internal/plan"
	"github.com/vinayprograms/specpilot/internal/resume"
	"github.com/vinayprograms/specpilot/internal/specialist"
)

// Status is the state a Start or Resume call leaves the plan in.
type Status string

const (
	StatusAwaiting  Status = "awaiting_user"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the outcome of driving a plan until it completes, fails or
// suspends.
type Result struct {
	Status  Status
	Plan    *plan.Plan
	Results []plan.StepResult

	// Output is the output of the final step.
	Output string

	// Awaiting
	Question string
	Options  []string

	// ResumeContext is the continuation to hand back on the next Resume when
	// awaiting. On failure it is the last good context, kept for diagnostics.
	ResumeContext *resume.Context

	// Failed
	Error     string
	Class     faults.Class
	Cancelled bool
	Err       error
}

// Workspace is the session data handed to specialists.
type Workspace struct {
	Dir         string
	ActiveFiles []string
}

// SpecialistRunner runs and resumes specialist loops.
type SpecialistRunner interface {
	Run(ctx context.Context, req specialist.Request) resume.Outcome
	Resume(ctx context.Context, req specialist.Request, rc *resume.Context, answer string) resume.Outcome
}

// Executor drives plans. It holds no per-plan state: the position lives in
// the resume context, so one Executor serves every task of an engine.
type Executor struct {
	planner plan.Planner
	roster  plan.Roster
	runner  SpecialistRunner
	logger  *logging.Logger

	// Callbacks
	OnPlanned      func(p *plan.Plan)
	OnStepStart    func(index int, step plan.Step)
	OnStepResume   func(index int, step plan.Step, cycles int)
	OnStepComplete func(index int, result plan.StepResult)
	OnSuspend      func(index int, step plan.Step, question string)
}

// New creates an executor. roster may be nil to skip plan validation.
func New(planner plan.Planner, roster plan.Roster, runner SpecialistRunner) *Executor {
	return &Executor{
		planner: planner,
		roster:  roster,
		runner:  runner,
		logger:  logging.New().WithComponent("executor"),
	}
}

// Start plans task and runs the plan from its first step.
func (e *Executor) Start(ctx context.Context, task string, ws Workspace) Result {
	ctx, span := startTaskSpan(ctx, task, false)

	p, err := e.planner.Plan(ctx, task)
	if err == nil {
		err = p.Validate(e.roster)
	}
	if err != nil {
		e.logger.Error("planning failed", map[string]interface{}{"error": err.Error()})
		res := failure(nil, resume.Fail(fmt.Errorf("planning: %w", err), nil))
		endTaskSpan(span, res.Status, err)
		return res
	}

	e.logger.Info("plan created", map[string]interface{}{
		"plan":  p.ID,
		"steps": len(p.Steps),
	})
	if e.OnPlanned != nil {
		e.OnPlanned(p)
	}

	pes := &resume.PlanExecutorState{PlanID: p.ID, Plan: p}
	res := e.drive(ctx, ws, pes, nil, nil)
	endTaskSpan(span, res.Status, res.Err)
	return res
}

// Resume re-enters the step recorded in rc with the user's answer, then
// keeps running the remaining steps. Completed steps are never re-run.
func (e *Executor) Resume(ctx context.Context, rc *resume.Context, answer string, ws Workspace) Result {
	if rc == nil || rc.PlanExecutorState == nil || rc.PlanExecutorState.CurrentStep() == nil {
		err := fmt.Errorf("%w: resume context has no plan position", faults.ErrValidation)
		e.logger.Error("cannot resume", map[string]interface{}{"error": err.Error()})
		return failure(rc, resume.Fail(err, nil))
	}

	pes := rc.PlanExecutorState.Clone()
	ctx, span := startTaskSpan(ctx, pes.Plan.Task, true)
	step := *pes.CurrentStep()

	e.logger.Info("resuming step", map[string]interface{}{
		"plan":       pes.PlanID,
		"step":       step.ID,
		"index":      pes.StepIndex,
		"specialist": step.Specialist,
		"cycles":     rc.Cycles,
	})
	if e.OnStepResume != nil {
		e.OnStepResume(pes.StepIndex, step, rc.Cycles)
	}

	stepCtx, stepSpan := startStepSpan(ctx, pes.StepIndex, step)
	out := e.runner.Resume(stepCtx, e.request(pes, step, ws), rc, answer)
	endStepSpan(stepSpan, out)

	res := e.drive(ctx, ws, pes, rc, &out)
	endTaskSpan(span, res.Status, res.Err)
	return res
}

// drive runs steps from pes.StepIndex until the plan completes, fails or
// suspends. pending, when set, is the outcome of the current step already
// obtained by Resume; prev is the context that outcome resumed from.
func (e *Executor) drive(ctx context.Context, ws Workspace, pes *resume.PlanExecutorState,
	prev *resume.Context, pending *resume.Outcome) Result {
	for {
		current := pes.CurrentStep()
		if current == nil {
			return e.completed(pes)
		}
		step := *current

		var out resume.Outcome
		if pending != nil {
			out = *pending
			pending = nil
		} else {
			if e.OnStepStart != nil {
				e.OnStepStart(pes.StepIndex, step)
			}
			e.logger.Info("step started", map[string]interface{}{
				"plan":       pes.PlanID,
				"step":       step.ID,
				"index":      pes.StepIndex,
				"specialist": step.Specialist,
			})
			stepCtx, span := startStepSpan(ctx, pes.StepIndex, step)
			out = e.runner.Run(stepCtx, e.request(pes, step, ws))
			endStepSpan(span, out)
		}

		if out.Normalize() {
			e.logger.Warn("interaction outcome without a question, continuing", map[string]interface{}{
				"step":       step.ID,
				"specialist": step.Specialist,
			})
		}

		switch out.Kind {
		case resume.InteractionRequired:
			return e.suspend(pes, prev, step, out)

		case resume.Failed:
			last := prev
			if last == nil {
				last = &resume.Context{PlanExecutorState: pes.Clone()}
				last.PlanExecutorState.Loop = out.Loop.Clone()
			}
			if out.Cancelled {
				e.logger.Info("step cancelled", map[string]interface{}{"step": step.ID})
			} else {
				e.logger.Error("step failed", map[string]interface{}{
					"step":       step.ID,
					"specialist": step.Specialist,
					"class":      out.Class.String(),
					"error":      out.Message,
				})
			}
			res := failure(last, out)
			res.Plan = pes.Plan.Clone()
			res.Results = plan.CloneResults(pes.Results)
			return res

		default:
			result := plan.StepResult{
				StepID:      step.ID,
				Specialist:  step.Specialist,
				Output:      out.Output,
				CompletedAt: time.Now(),
			}
			if out.Loop != nil {
				result.Iterations = out.Loop.Iteration
			}
			pes.Results = append(pes.Results, result)
			pes.StepIndex++
			pes.Loop = nil
			prev = nil

			e.logger.Info("step completed", map[string]interface{}{
				"step":       step.ID,
				"iterations": result.Iterations,
			})
			if e.OnStepComplete != nil {
				e.OnStepComplete(pes.StepIndex-1, result)
			}
		}
	}
}

// suspend builds the context the plan resumes from. When the step was
// itself resumed from prev, the new continuation is merged into prev so the
// plan position survives any number of cycles.
func (e *Executor) suspend(pes *resume.PlanExecutorState, prev *resume.Context, step plan.Step, out resume.Outcome) Result {
	base := prev
	if base == nil {
		base = &resume.Context{PlanExecutorState: pes.Clone()}
	}
	rc := resume.Merge(base, out.Continuation)
	// The loop position is the only part of the plan state that moves while
	// the step is suspended.
	rc.PlanExecutorState.Loop = out.Loop.Clone()

	question := rc.AskQuestion.Question
	e.logger.Info("plan suspended", map[string]interface{}{
		"plan":     pes.PlanID,
		"step":     step.ID,
		"index":    pes.StepIndex,
		"cycles":   rc.Cycles,
		"question": question,
	})
	if e.OnSuspend != nil {
		e.OnSuspend(pes.StepIndex, step, question)
	}

	return Result{
		Status:        StatusAwaiting,
		Plan:          pes.Plan.Clone(),
		Results:       plan.CloneResults(pes.Results),
		Question:      question,
		Options:       append([]string(nil), rc.AskQuestion.Options...),
		ResumeContext: rc,
	}
}

func (e *Executor) completed(pes *resume.PlanExecutorState) Result {
	res := Result{
		Status:  StatusCompleted,
		Plan:    pes.Plan.Clone(),
		Results: plan.CloneResults(pes.Results),
	}
	if n := len(pes.Results); n > 0 {
		res.Output = pes.Results[n-1].Output
	}
	e.logger.Info("plan completed", map[string]interface{}{
		"plan":  pes.PlanID,
		"steps": len(pes.Results),
	})
	return res
}

func (e *Executor) request(pes *resume.PlanExecutorState, step plan.Step, ws Workspace) specialist.Request {
	return specialist.Request{
		Task:        pes.Plan.Task,
		Step:        step,
		Prior:       plan.CloneResults(pes.Results),
		SessionDir:  ws.Dir,
		ActiveFiles: ws.ActiveFiles,
	}
}

func failure(last *resume.Context, out resume.Outcome) Result {
	return Result{
		Status:        StatusFailed,
		ResumeContext: last.Clone(),
		Error:         out.Message,
		Class:         out.Class,
		Cancelled:     out.Cancelled,
		Err:           out.Err,
	}
}
