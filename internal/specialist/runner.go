package specialist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/specpilot/internal/faults"
	"github.com/vinayprograms/specpilot/internal/plan"
	"github.com/vinayprograms/specpilot/internal/resume"
)

// CancelChecker reports whether cancellation has been requested.
type CancelChecker interface {
	Cancelled() bool
}

// Request is everything a specialist needs to work on one step.
type Request struct {
	Task        string
	Step        plan.Step
	Prior       []plan.StepResult
	SessionDir  string
	ActiveFiles []string
}

// Options tunes the runner.
type Options struct {
	MaxIterations int           // used when a definition sets none
	MaxRetries    int           // retries of a transient model failure
	RetryInitial  time.Duration // first backoff interval
	RetryMax      time.Duration // backoff interval cap
	HistoryLimit  int           // loop history entries kept
	MaxTokens     int
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 8 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	return o
}

// Runner executes specialist loops. A Runner holds no per-run state and
// may be shared.
type Runner struct {
	provider llm.Provider
	catalog  *Catalog
	tools    ToolExecutor
	cancel   CancelChecker
	opts     Options
	logger   *logging.Logger
}

// NewRunner creates a runner. tools and cancel may be nil.
func NewRunner(provider llm.Provider, catalog *Catalog, tools ToolExecutor, cancel CancelChecker, opts Options) *Runner {
	return &Runner{
		provider: provider,
		catalog:  catalog,
		tools:    tools,
		cancel:   cancel,
		opts:     opts.withDefaults(),
		logger:   logging.New().WithComponent("specialist"),
	}
}

// Run starts the specialist named by req.Step.
func (r *Runner) Run(ctx context.Context, req Request) (out resume.Outcome) {
	defer r.recoverInto(&out, req.Step.Specialist, nil)

	def, err := r.catalog.Get(req.Step.Specialist)
	if err != nil {
		return resume.Fail(err, nil)
	}

	loop := &resume.LoopState{
		Specialist:    def.Name,
		MaxIterations: r.iterationCap(def),
		Looping:       true,
		StartedAt:     time.Now(),
	}

	system, unresolved := interpolate(def.Template, map[string]string{
		"task":         req.Task,
		"step":         stepText(req.Step, req.Task),
		"session_dir":  req.SessionDir,
		"active_files": strings.Join(req.ActiveFiles, ", "),
	})
	if len(unresolved) > 0 {
		r.logger.Warn("unresolved variables in specialist template", map[string]interface{}{
			"specialist": def.Name,
			"variables":  unresolved,
		})
	}

	pb := NewPromptBuilder(req.Task).SetStep(req.Step).SetActiveFiles(req.ActiveFiles)
	for _, p := range req.Prior {
		pb.AddPriorStep(p)
	}

	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: pb.Build()},
	}

	r.logger.Info("specialist started", map[string]interface{}{
		"specialist": def.Name,
		"step":       req.Step.ID,
		"cap":        loop.MaxIterations,
	})
	return r.iterate(ctx, def, req, loop, messages, nil)
}

// Resume re-enters a suspended specialist with the user's answer. rc is
// the context stored at suspension; its plan executor state supplies the
// loop position.
func (r *Runner) Resume(ctx context.Context, req Request, rc *resume.Context, answer string) (out resume.Outcome) {
	defer r.recoverInto(&out, req.Step.Specialist, nil)

	if rc == nil || rc.Specialist == nil || rc.AskQuestion == nil {
		return resume.Fail(fmt.Errorf("%w: no continuation to resume", faults.ErrValidation), nil)
	}
	if rc.Specialist.Specialist != req.Step.Specialist {
		return resume.Fail(fmt.Errorf("%w: continuation belongs to %q, step runs %q",
			faults.ErrValidation, rc.Specialist.Specialist, req.Step.Specialist), nil)
	}

	def, err := r.catalog.Get(req.Step.Specialist)
	if err != nil {
		return resume.Fail(err, nil)
	}

	var loop *resume.LoopState
	if rc.PlanExecutorState != nil {
		loop = rc.PlanExecutorState.Loop.Clone()
	}
	if loop == nil {
		loop = &resume.LoopState{Specialist: def.Name, MaxIterations: r.iterationCap(def), StartedAt: time.Now()}
	}
	loop.Looping = true
	loop.Record(resume.HistoryEntry{
		Iteration: loop.Iteration,
		Action:    "answer",
		Detail:    truncateForLog(answer, 200),
	}, r.opts.HistoryLimit)

	messages := fromTurns(rc.Specialist.Transcript)
	messages = append(messages, answerMessages(messages, rc.AskQuestion, answer)...)

	r.logger.Info("specialist resumed", map[string]interface{}{
		"specialist": def.Name,
		"step":       req.Step.ID,
		"iteration":  loop.Iteration,
		"cycles":     rc.Cycles,
	})
	return r.iterate(ctx, def, req, loop, messages, rc.Specialist.Fields)
}

// iterate is the specialist loop shared by Run and Resume.
func (r *Runner) iterate(ctx context.Context, def *Definition, req Request, loop *resume.LoopState,
	messages []llm.Message, fields map[string]interface{}) (out resume.Outcome) {
	defer r.recoverInto(&out, def.Name, loop)

	toolDefs := append([]llm.ToolDef(nil), controlTools...)
	allowed := make(map[string]bool)
	if r.tools != nil {
		for _, td := range r.tools.Definitions(def.Tools) {
			toolDefs = append(toolDefs, td)
			allowed[td.Name] = true
		}
	}

	for {
		if r.cancelled() {
			loop.Looping = false
			loop.Record(resume.HistoryEntry{Iteration: loop.Iteration, Action: "cancelled"}, r.opts.HistoryLimit)
			r.logger.Info("specialist cancelled", map[string]interface{}{
				"specialist": def.Name,
				"iteration":  loop.Iteration,
			})
			return resume.Fail(fmt.Errorf("before iteration %d: %w", loop.Iteration+1, faults.ErrCancelled), loop)
		}
		if loop.Iteration >= loop.MaxIterations {
			loop.Looping = false
			return resume.Fail(fmt.Errorf("%s: %w (%d)", def.Name, faults.ErrIterationLimit, loop.MaxIterations), loop)
		}
		loop.Iteration++

		iterCtx, span := startIterationSpan(ctx, def.Name, req.Step.ID, loop.Iteration)
		resp, err := r.chat(iterCtx, messages, toolDefs)
		if err != nil {
			endIterationSpan(span, "error", err)
			return r.fail(def.Name, loop, err)
		}

		d, err := parseDirective(resp)
		if err != nil {
			endIterationSpan(span, "protocol_fault", err)
			logFields := map[string]interface{}{
				"specialist": def.Name,
				"step":       req.Step.ID,
				"iteration":  loop.Iteration,
				"error":      err.Error(),
			}
			if resp != nil {
				logFields["content"] = truncateForLog(resp.Content, 500)
				logFields["tool_calls"] = len(resp.ToolCalls)
			}
			r.logger.Error("specialist protocol fault", logFields)
			return r.fail(def.Name, loop, err)
		}

		switch d.kind {
		case directiveAsk:
			endIterationSpan(span, "ask", nil)
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
			loop.Record(resume.HistoryEntry{Iteration: loop.Iteration, Action: "ask", Detail: d.ask.Question}, r.opts.HistoryLimit)

			local := map[string]interface{}{}
			for k, v := range fields {
				local[k] = v
			}
			local["step_id"] = req.Step.ID
			local["iteration"] = loop.Iteration

			cont := &resume.Context{
				AskQuestion: d.ask,
				Specialist: &resume.SpecialistPayload{
					Specialist: def.Name,
					Transcript: toTurns(messages),
					Fields:     local,
				},
			}
			r.logger.Info("specialist asked user", map[string]interface{}{
				"specialist": def.Name,
				"iteration":  loop.Iteration,
				"question":   truncateForLog(d.ask.Question, 200),
			})
			return resume.Ask(cont, loop)

		case directiveComplete:
			endIterationSpan(span, "complete", nil)
			loop.Looping = false
			loop.Record(resume.HistoryEntry{Iteration: loop.Iteration, Action: "complete"}, r.opts.HistoryLimit)
			r.logger.Info("specialist completed", map[string]interface{}{
				"specialist": def.Name,
				"iterations": loop.Iteration,
			})
			return resume.Continue(d.output, loop)

		default:
			names := make([]string, 0, len(d.calls))
			for _, c := range d.calls {
				names = append(names, c.Name)
			}
			loop.Record(resume.HistoryEntry{Iteration: loop.Iteration, Action: "tool", Detail: strings.Join(names, ",")}, r.opts.HistoryLimit)
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
			messages = append(messages, executeTools(iterCtx, r.tools, allowed, d.calls, r.logger)...)
			endIterationSpan(span, "tools", nil)
		}
	}
}

// chat calls the model, retrying transient failures with exponential backoff.
func (r *Runner) chat(ctx context.Context, messages []llm.Message, toolDefs []llm.ToolDef) (*llm.ChatResponse, error) {
	attempt := 0
	op := func() (*llm.ChatResponse, error) {
		attempt++
		if r.cancelled() {
			return nil, backoff.Permanent(faults.ErrCancelled)
		}
		resp, err := r.provider.Chat(ctx, llm.ChatRequest{
			Messages:  messages,
			Tools:     toolDefs,
			MaxTokens: r.opts.MaxTokens,
		})
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, backoff.Permanent(r.contextEnded(err))
		}
		if !faults.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		r.logger.Warn("transient model error, retrying", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInitial
	b.MaxInterval = r.opts.RetryMax

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.MaxRetries+1)),
	)
	if err != nil {
		if (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) &&
			faults.Classify(err) != faults.ClassCancelled {
			err = r.contextEnded(err)
		}
		if faults.IsRetryable(err) {
			return nil, faults.WithClass(faults.ClassTransient, fmt.Sprintf("model call failed after %d attempts", attempt), err)
		}
		return nil, faults.Wrap("model call", err)
	}
	return resp, nil
}

func (r *Runner) fail(name string, loop *resume.LoopState, err error) resume.Outcome {
	loop.Looping = false
	loop.Record(resume.HistoryEntry{Iteration: loop.Iteration, Action: "error", Detail: truncateForLog(err.Error(), 200)}, r.opts.HistoryLimit)
	out := resume.Fail(err, loop)
	if !out.Cancelled {
		r.logger.Error("specialist failed", map[string]interface{}{
			"specialist": name,
			"iteration":  loop.Iteration,
			"class":      out.Class.String(),
			"error":      err.Error(),
		})
	}
	return out
}

// recoverInto converts a panic anywhere in the loop into a failed outcome.
func (r *Runner) recoverInto(out *resume.Outcome, name string, loop *resume.LoopState) {
	if p := recover(); p != nil {
		r.logger.Error("specialist panic", map[string]interface{}{
			"specialist": name,
			"panic":      fmt.Sprintf("%v", p),
		})
		*out = resume.Fail(fmt.Errorf("specialist %s crashed: %v", name, p), loop)
	}
}

// contextEnded classifies an error caused by the caller's context ending.
// Only a supervisor request counts as cancellation; a dropped caller is a
// failure so the step's position is kept.
func (r *Runner) contextEnded(err error) error {
	if r.cancelled() {
		return fmt.Errorf("%w: %v", faults.ErrCancelled, err)
	}
	var f *faults.Fault
	if errors.As(err, &f) {
		return err
	}
	return faults.WithClass(faults.ClassInternal, "caller context ended", err)
}

func (r *Runner) cancelled() bool {
	return r.cancel != nil && r.cancel.Cancelled()
}

func (r *Runner) iterationCap(def *Definition) int {
	if def.MaxIterations > 0 {
		return def.MaxIterations
	}
	return r.opts.MaxIterations
}

func stepText(s plan.Step, task string) string {
	if s.Description != "" {
		return s.Description
	}
	return task
}

// answerMessages builds the tool results that close the suspended
// assistant turn: the answer for the question, and a skip notice for any
// other call made in the same turn.
func answerMessages(messages []llm.Message, ask *resume.AskQuestionContext, answer string) []llm.Message {
	var last *llm.Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			last = &messages[i]
			break
		}
	}
	if last == nil || len(last.ToolCalls) == 0 {
		return []llm.Message{{Role: "user", Content: answer}}
	}
	out := make([]llm.Message, 0, len(last.ToolCalls))
	for _, tc := range last.ToolCalls {
		content := "Skipped while waiting for the user's answer. Call again if still needed."
		if tc.ID == ask.ToolCallID {
			content = answer
		}
		out = append(out, llm.Message{Role: "tool", ToolCallID: tc.ID, Content: content})
	}
	return out
}

func toTurns(msgs []llm.Message) []resume.Turn {
	turns := make([]resume.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = resume.Turn{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			turns[i].ToolCalls = append(turns[i].ToolCalls, resume.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
	}
	return turns
}

func fromTurns(turns []resume.Turn) []llm.Message {
	msgs := make([]llm.Message, len(turns))
	for i, t := range turns {
		msgs[i] = llm.Message{Role: t.Role, Content: t.Content, ToolCallID: t.ToolCallID}
		for _, tc := range t.ToolCalls {
			msgs[i].ToolCalls = append(msgs[i].ToolCalls, llm.ToolCallResponse{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
	}
	return msgs
}
