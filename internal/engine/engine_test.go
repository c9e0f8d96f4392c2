package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/specpilot/internal/checkpoint"
	"github.com/vinayprograms/specpilot/internal/events"
	"github.com/vinayprograms/specpilot/internal/executor"
	"github.com/vinayprograms/specpilot/internal/faults"
	"github.com/vinayprograms/specpilot/internal/plan"
	"github.com/vinayprograms/specpilot/internal/resume"
	"github.com/vinayprograms/specpilot/internal/session"
	"github.com/vinayprograms/specpilot/internal/specialist"
	"github.com/vinayprograms/specpilot/internal/supervision"
)

type harness struct {
	eng      *Engine
	pub      *events.Memory
	ckpt     *checkpoint.Store
	sessions *session.Manager
}

// newHarness builds an engine over real components. Passing the same dir
// to two harnesses simulates a process restart.
func newHarness(t *testing.T, provider llm.Provider, dir string, steps ...plan.Step) *harness {
	t.Helper()
	if len(steps) == 0 {
		steps = []plan.Step{{ID: "intro", Specialist: "author", Description: "Draft the intro"}}
	}

	backend, err := session.NewFileStore(dir + "/sessions")
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	sessions := session.NewManager(backend, session.Options{Root: dir + "/projects"})
	ckpt, err := checkpoint.NewStore(dir+"/state", 5)
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}

	sup := supervision.New(supervision.Config{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	catalog := specialist.DefaultCatalog()
	runner := specialist.NewRunner(provider, catalog, nil, sup, specialist.Options{RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond})
	exec := executor.New(plan.StaticPlanner{Steps: steps}, catalog, runner)

	pub := events.NewMemory(0)
	eng := New(Config{
		Executor:    exec,
		Sessions:    sessions,
		Supervisor:  sup,
		Checkpoints: ckpt,
		Events:      pub,
	})
	return &harness{eng: eng, pub: pub, ckpt: ckpt, sessions: sessions}
}

func askResponse(id, question string) *llm.ChatResponse {
	return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{{
		ID: id, Name: specialist.ToolAskUser,
		Args: map[string]interface{}{"question": question},
	}}}
}

// toneProvider asks for the tone once, then writes with the last message.
func toneProvider(calls *int32) *llm.MockProvider {
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if atomic.AddInt32(calls, 1) == 1 {
			return askResponse("ask-1", "confirm tone: formal or casual?"), nil
		}
		last := req.Messages[len(req.Messages)-1]
		return &llm.ChatResponse{Content: "Introduction (" + last.Content + " tone)."}, nil
	}
	return provider
}

func TestEngine_ToneScenario(t *testing.T) {
	var calls int32
	h := newHarness(t, toneProvider(&calls), t.TempDir())
	ctx := context.Background()

	st, err := h.eng.ExecuteTask(ctx, "draft intro section")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if st.Stage != StageAwaitingUser {
		t.Fatalf("expected awaiting_user, got %s (%s)", st.Stage, st.LastError)
	}
	if st.PendingInteraction == nil || st.PendingInteraction.Question != "confirm tone: formal or casual?" {
		t.Fatalf("unexpected pending interaction %+v", st.PendingInteraction)
	}
	if st.PendingInteraction.Specialist != "author" || st.PendingInteraction.Step != "intro" {
		t.Errorf("pending interaction lost its position: %+v", st.PendingInteraction)
	}
	if st.ResumeContext == nil || st.ResumeContext.Cycles != 1 {
		t.Fatalf("expected resume context with one cycle, got %+v", st.ResumeContext)
	}
	if !h.eng.IsAwaitingUser() || !h.eng.IsExecuting() {
		t.Error("awaiting engine should report awaiting and executing")
	}

	st, err = h.eng.Submit(ctx, "formal")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if st.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s (%s)", st.Stage, st.LastError)
	}
	if !strings.Contains(st.LastOutput, "formal") {
		t.Errorf("output does not reflect the answer: %q", st.LastOutput)
	}
	if st.ResumeContext != nil || st.PendingInteraction != nil {
		t.Error("completed state should drop the continuation")
	}

	want := []events.Type{events.TaskStarted, events.TaskSuspended, events.TaskResumed, events.TaskCompleted}
	got := h.pub.Types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	sess, err := h.sessions.GetCurrentSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	var sawQuestion, sawAnswer bool
	for _, ev := range sess.Events {
		switch ev.Type {
		case session.EventQuestion:
			sawQuestion = true
		case session.EventAnswer:
			sawAnswer = ev.Content == "formal"
		}
	}
	if !sawQuestion || !sawAnswer {
		t.Errorf("session log is missing the exchange: %+v", sess.Events)
	}
}

func TestEngine_OutcomeBranches(t *testing.T) {
	tests := []struct {
		name    string
		respond func() (*llm.ChatResponse, error)
		stage   Stage
		rc      bool
	}{
		{
			name:    "continued",
			respond: func() (*llm.ChatResponse, error) { return &llm.ChatResponse{Content: "done"}, nil },
			stage:   StageCompleted,
		},
		{
			name:    "interaction",
			respond: func() (*llm.ChatResponse, error) { return askResponse("a", "which audience?"), nil },
			stage:   StageAwaitingUser,
			rc:      true,
		},
		{
			name:    "failed",
			respond: func() (*llm.ChatResponse, error) { return nil, errors.New("prompt is too long: 250000 tokens") },
			stage:   StageError,
			rc:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := llm.NewMockProvider()
			provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
				return tt.respond()
			}
			h := newHarness(t, provider, t.TempDir())

			st, err := h.eng.ExecuteTask(context.Background(), "write the overview")
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if st.Stage != tt.stage {
				t.Fatalf("expected %s, got %s (%s)", tt.stage, st.Stage, st.LastError)
			}
			if (st.ResumeContext != nil) != tt.rc {
				t.Errorf("resume context presence: expected %v", tt.rc)
			}
			if (st.PendingInteraction != nil) != (tt.stage == StageAwaitingUser) {
				t.Error("pending interaction must be set exactly when awaiting")
			}
			if tt.stage == StageError && st.LastError == "" {
				t.Error("failure should carry an error")
			}
		})
	}
}

func TestEngine_ExecuteTaskWhileAwaitingIsAnAnswer(t *testing.T) {
	var calls int32
	h := newHarness(t, toneProvider(&calls), t.TempDir())
	ctx := context.Background()

	if _, err := h.eng.ExecuteTask(ctx, "draft intro section"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	st, err := h.eng.ExecuteTask(ctx, "casual")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if st.Stage != StageCompleted || !strings.Contains(st.LastOutput, "casual") {
		t.Errorf("expected the message to answer the question, got %s %q", st.Stage, st.LastOutput)
	}
	if st.CurrentTask != "draft intro section" {
		t.Errorf("task should not be replaced by the answer, got %q", st.CurrentTask)
	}
}

func TestEngine_HandleUserResponseWithoutQuestion(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider(), t.TempDir())
	_, err := h.eng.HandleUserResponse(context.Background(), "formal")
	if !errors.Is(err, faults.ErrNotAwaiting) {
		t.Errorf("expected ErrNotAwaiting, got %v", err)
	}
}

// blockingProvider parks the first call until release is closed, then asks
// for a tool that does not exist so the loop comes around again.
func blockingProvider(started chan<- struct{}, release <-chan struct{}) *llm.MockProvider {
	var once int32
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if atomic.AddInt32(&once, 1) == 1 {
			close(started)
			<-release
		}
		return &llm.ChatResponse{ToolCalls: []llm.ToolCallResponse{{ID: "t", Name: "noop"}}}, nil
	}
	return provider
}

func TestEngine_TaskInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, blockingProvider(started, release), t.TempDir())
	ctx := context.Background()

	done := make(chan ExecutionState, 1)
	go func() {
		st, _ := h.eng.ExecuteTask(ctx, "long task")
		done <- st
	}()
	<-started

	if !h.eng.IsExecuting() {
		t.Error("engine should be executing")
	}
	if _, err := h.eng.ExecuteTask(ctx, "another task"); !errors.Is(err, faults.ErrTaskInFlight) {
		t.Errorf("expected ErrTaskInFlight, got %v", err)
	}
	if _, err := h.eng.Submit(ctx, "another task"); !errors.Is(err, faults.ErrTaskInFlight) {
		t.Errorf("expected ErrTaskInFlight from Submit, got %v", err)
	}

	h.eng.CancelCurrentExecution(ctx)
	close(release)
	st := <-done
	if st.Stage != StageIdle || !st.Cancelled {
		t.Errorf("expected cancelled idle, got %s cancelled=%v", st.Stage, st.Cancelled)
	}
}

func TestEngine_CancelRunningAndAwaitHalt(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, blockingProvider(started, release), t.TempDir())
	ctx := context.Background()

	done := make(chan ExecutionState, 1)
	go func() {
		st, _ := h.eng.ExecuteTask(ctx, "long task")
		done <- st
	}()
	<-started

	st := h.eng.CancelCurrentExecution(ctx)
	if !st.Cancelled {
		t.Error("cancel request should be visible immediately")
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	halt := h.eng.AwaitHalt(ctx)
	if !halt.Confirmed() {
		t.Fatalf("expected confirmed halt, got %s", halt.Verdict)
	}
	final := <-done
	if final.Stage != StageIdle || !final.Cancelled || final.ResumeContext != nil {
		t.Errorf("unexpected final state %+v", final)
	}
	types := h.pub.Types()
	if types[len(types)-1] != events.TaskCancelled {
		t.Errorf("expected cancelled event last, got %v", types)
	}
}

func TestEngine_CancelWhileAwaiting(t *testing.T) {
	var calls int32
	h := newHarness(t, toneProvider(&calls), t.TempDir())
	ctx := context.Background()

	if _, err := h.eng.ExecuteTask(ctx, "draft intro section"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	st := h.eng.CancelCurrentExecution(ctx)
	if st.Stage != StageIdle || !st.Cancelled || st.PendingInteraction != nil || st.ResumeContext != nil {
		t.Errorf("unexpected state after cancel %+v", st)
	}
	if h.eng.IsExecuting() {
		t.Error("cancelled engine should not be executing")
	}
	if halt := h.eng.AwaitHalt(ctx); !halt.Confirmed() || halt.Polls != 1 {
		t.Errorf("expected immediate confirmation, got %+v", halt)
	}

	// The next message is a new task, not an answer.
	st, err := h.eng.Submit(ctx, "draft the summary")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st.CurrentTask != "draft the summary" || st.Cancelled {
		t.Errorf("expected a fresh task, got %+v", st)
	}
}

func TestEngine_RestoreAcrossRestartWithoutReplay(t *testing.T) {
	dir := t.TempDir()
	steps := []plan.Step{
		{ID: "outline", Specialist: "reviewer", Description: "Outline"},
		{ID: "intro", Specialist: "author", Description: "Draft the intro"},
	}

	var first int32
	p1 := llm.NewMockProvider()
	p1.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if atomic.AddInt32(&first, 1) == 1 {
			return &llm.ChatResponse{Content: "Outline: goals, scope."}, nil
		}
		return askResponse("ask-1", "confirm tone: formal or casual?"), nil
	}
	h1 := newHarness(t, p1, dir, steps...)
	st, err := h1.eng.ExecuteTask(context.Background(), "draft intro section")
	if err != nil || st.Stage != StageAwaitingUser {
		t.Fatalf("expected suspension, got %s %v", st.Stage, err)
	}
	if err := h1.eng.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	var second int32
	p2 := llm.NewMockProvider()
	p2.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		atomic.AddInt32(&second, 1)
		return &llm.ChatResponse{Content: "Introduction, formal."}, nil
	}
	h2 := newHarness(t, p2, dir, steps...)
	ok, err := h2.eng.Restore()
	if err != nil || !ok {
		t.Fatalf("restore: %v %v", ok, err)
	}
	if !h2.eng.IsAwaitingUser() {
		t.Fatalf("expected restored question, got %s", h2.eng.GetState().Stage)
	}

	st, err = h2.eng.Submit(context.Background(), "formal")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if st.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s (%s)", st.Stage, st.LastError)
	}
	if second != 1 {
		t.Errorf("expected only the suspended step to resume, got %d model calls", second)
	}
}

func TestEngine_RestoreRepairsAwaitingWithoutQuestion(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, llm.NewMockProvider(), dir)
	if err := h.ckpt.Save(string(StageAwaitingUser), ExecutionState{Stage: StageAwaitingUser, CurrentTask: "stale"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if ok, err := h.eng.Restore(); err != nil || !ok {
		t.Fatalf("restore: %v %v", ok, err)
	}
	if h.eng.IsAwaitingUser() {
		t.Error("awaiting without a question must not wait for an answer")
	}
	if h.eng.IsExecuting() {
		t.Error("repaired state should not block new work")
	}

	provider := llm.NewMockProvider()
	provider.SetResponse("fresh")
	h2 := newHarness(t, provider, dir)
	if _, err := h2.eng.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	st, err := h2.eng.Submit(context.Background(), "new task")
	if err != nil || st.Stage != StageCompleted {
		t.Errorf("expected new task to proceed, got %s %v", st.Stage, err)
	}
}

func TestEngine_RestoreInterruptedTask(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider(), t.TempDir())
	h.ckpt.Save(string(StageExecuting), ExecutionState{Stage: StageExecuting, CurrentTask: "half done"})

	if _, err := h.eng.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	st := h.eng.GetState()
	if st.Stage != StageError || !strings.Contains(st.LastError, "interrupted") {
		t.Errorf("expected interrupted error state, got %s %q", st.Stage, st.LastError)
	}
}

func TestEngine_SwitchProject(t *testing.T) {
	var calls int32
	h := newHarness(t, toneProvider(&calls), t.TempDir())
	ctx := context.Background()

	before, _ := h.sessions.GetCurrentSession()
	if _, err := h.eng.ExecuteTask(ctx, "draft intro section"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sess, err := h.eng.SwitchProject(ctx, "beta", true)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if sess.Name != "beta" || sess.ID == before.ID {
		t.Errorf("expected a new session named beta, got %+v", sess)
	}
	st := h.eng.GetState()
	if st.Stage != StageIdle || st.SessionID != sess.ID {
		t.Errorf("expected idle on the new session, got %+v", st)
	}
	current, _ := h.sessions.GetCurrentSession()
	if current.ID != sess.ID {
		t.Error("new session is not current")
	}
}

func TestEngine_DisposeKeepsSnapshot(t *testing.T) {
	var calls int32
	h := newHarness(t, toneProvider(&calls), t.TempDir())
	ctx := context.Background()

	if _, err := h.eng.ExecuteTask(ctx, "draft intro section"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := h.eng.Dispose(ctx); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if h.eng.GetState().Stage != StageIdle {
		t.Error("disposed engine should be idle")
	}
	if _, err := h.eng.ExecuteTask(ctx, "more"); !errors.Is(err, faults.ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}

	var saved ExecutionState
	if ok, err := h.ckpt.Load(&saved); err != nil || !ok {
		t.Fatalf("load: %v %v", ok, err)
	}
	if saved.Stage != StageAwaitingUser || saved.PendingInteraction == nil {
		t.Errorf("snapshot should still hold the question, got %+v", saved)
	}
}

func TestExecutionState_Normalize(t *testing.T) {
	tests := []struct {
		name     string
		in       ExecutionState
		repaired bool
		stage    Stage
	}{
		{"consistent awaiting", ExecutionState{Stage: StageAwaitingUser, PendingInteraction: &PendingInteraction{Question: "q"}}, false, StageAwaitingUser},
		{"awaiting without pending", ExecutionState{Stage: StageAwaitingUser}, true, StageExecuting},
		{"awaiting with empty question", ExecutionState{Stage: StageAwaitingUser, PendingInteraction: &PendingInteraction{}}, true, StageExecuting},
		{"stray pending", ExecutionState{Stage: StageCompleted, PendingInteraction: &PendingInteraction{Question: "q"}}, true, StageCompleted},
		{"idle", ExecutionState{Stage: StageIdle}, false, StageIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.in
			if got := s.Normalize(); got != tt.repaired {
				t.Errorf("repaired: expected %v, got %v", tt.repaired, got)
			}
			if s.Stage != tt.stage {
				t.Errorf("stage: expected %s, got %s", tt.stage, s.Stage)
			}
			if (s.PendingInteraction != nil) != (s.Stage == StageAwaitingUser) {
				t.Error("pending interaction invariant broken after normalize")
			}
		})
	}
}

func TestEngine_CallerContextEndedKeepsSuspendedTask(t *testing.T) {
	var calls int32
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return askResponse("ask-1", "confirm tone: formal or casual?"), nil
		}
		return nil, context.Canceled
	}
	h := newHarness(t, provider, t.TempDir())

	st, err := h.eng.ExecuteTask(context.Background(), "draft intro section")
	if err != nil || st.Stage != StageAwaitingUser {
		t.Fatalf("expected question, got %s %v", st.Stage, err)
	}
	asked := st.ResumeContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err = h.eng.HandleUserResponse(ctx, "formal")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if st.Cancelled || st.Stage != StageError {
		t.Fatalf("a dropped caller is a failure, not a cancellation: %s cancelled=%v", st.Stage, st.Cancelled)
	}
	if h.eng.Supervisor().Cancelled() {
		t.Error("supervisor flag should stay clear")
	}
	if st.ResumeContext == nil || st.ResumeContext.PlanExecutorState == nil {
		t.Fatal("failure must keep the last resume context")
	}
	if got := st.ResumeContext.PlanExecutorState.CurrentStep(); got == nil || got.ID != asked.PlanExecutorState.CurrentStep().ID {
		t.Errorf("resume context lost its position: %+v", st.ResumeContext.PlanExecutorState)
	}
	if st.LastError == "" {
		t.Error("expected a failure message")
	}
	types := h.pub.Types()
	if types[len(types)-1] != events.TaskFailed {
		t.Errorf("expected failed event last, got %v", types)
	}
}

func TestEngine_SwitchProjectWhileTaskRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return &llm.ChatResponse{Content: "old project output"}, nil
	}
	h := newHarness(t, provider, t.TempDir())
	ctx := context.Background()

	before, err := h.sessions.GetCurrentSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	done := make(chan ExecutionState, 1)
	go func() {
		st, _ := h.eng.ExecuteTask(ctx, "old task")
		done <- st
	}()
	<-started

	// The task is parked in a model call, so the halt wait gives up.
	switchCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	sess, err := h.eng.SwitchProject(switchCtx, "other", true)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	close(release)
	final := <-done

	if final.Stage != StageIdle || final.SessionID != sess.ID {
		t.Errorf("expected idle on the new project, got %s on %s", final.Stage, final.SessionID)
	}
	if st := h.eng.GetState(); st.SessionID != sess.ID || st.LastOutput != "" || st.ResumeContext != nil || st.Cancelled {
		t.Errorf("new project should not hold the old task: %+v", st)
	}

	fresh, err := h.sessions.Load(sess.ID)
	if err != nil {
		t.Fatalf("load new session: %v", err)
	}
	for _, ev := range fresh.Events {
		if ev.Type != session.EventSessionStart {
			t.Errorf("old task leaked %s into the new session", ev.Type)
		}
	}

	old, err := h.sessions.Load(before.ID)
	if err != nil {
		t.Fatalf("load old session: %v", err)
	}
	var sawEnd bool
	for _, ev := range old.Events {
		if ev.Type == session.EventTaskEnd || ev.Type == session.EventCancel {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Errorf("old session is missing the task outcome: %+v", old.Events)
	}
}

func TestEngine_StaleStageDropsResumeContext(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider(), t.TempDir())
	stale := ExecutionState{
		Stage:         StageAwaitingUser,
		CurrentTask:   "stale",
		ResumeContext: &resume.Context{Cycles: 2},
	}
	if err := h.ckpt.Save(string(StageAwaitingUser), stale); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := h.eng.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}

	st := h.eng.GetState()
	if st.Stage != StageIdle || st.ResumeContext != nil {
		t.Errorf("expected idle without a continuation, got %s rc=%v", st.Stage, st.ResumeContext != nil)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	if got := truncate("tône", 2); got != "t..." {
		t.Errorf("expected cut before the two-byte rune, got %q", got)
	}
	if got := truncate("tône", 3); got != "tô..." {
		t.Errorf("expected whole rune kept, got %q", got)
	}
}
