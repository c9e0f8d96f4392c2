package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/vinayprograms/specpilot/internal/engine"
	"github.com/vinayprograms/specpilot/internal/session"
	"github.com/vinayprograms/specpilot/internal/supervision"
)

// scriptEngine asks one question per task and completes on the answer.
type scriptEngine struct {
	state     engine.ExecutionState
	inputs    []string
	cancelled int
	projects  []string
}

func (s *scriptEngine) Submit(_ context.Context, text string) (engine.ExecutionState, error) {
	s.inputs = append(s.inputs, text)
	if s.state.Stage == engine.StageAwaitingUser {
		s.state = engine.ExecutionState{Stage: engine.StageCompleted, LastOutput: "Draft in a " + text + " tone."}
		return s.state, nil
	}
	s.state = engine.ExecutionState{
		Stage:       engine.StageAwaitingUser,
		CurrentTask: text,
		PendingInteraction: &engine.PendingInteraction{
			Question:   "confirm tone: formal or casual?",
			Specialist: "author",
		},
	}
	return s.state, nil
}

func (s *scriptEngine) GetState() engine.ExecutionState { return s.state }

func (s *scriptEngine) CancelCurrentExecution(context.Context) engine.ExecutionState {
	s.cancelled++
	s.state = engine.ExecutionState{Stage: engine.StageIdle, Cancelled: true}
	return s.state
}

func (s *scriptEngine) AwaitHalt(context.Context) supervision.Halt {
	return supervision.Halt{Verdict: supervision.VerdictConfirmed}
}

func (s *scriptEngine) SwitchProject(_ context.Context, name string, _ bool) (*session.Session, error) {
	s.projects = append(s.projects, name)
	s.state = engine.ExecutionState{Stage: engine.StageIdle}
	return &session.Session{ID: "s2", Name: name, BaseDir: "/work/" + name}, nil
}

func runScript(t *testing.T, eng *scriptEngine, input string) string {
	t.Helper()
	var out bytes.Buffer
	r := &repl{eng: eng, in: strings.NewReader(input), out: &out, width: 80, sync: true}
	if err := r.run(context.Background()); err != nil {
		t.Fatalf("repl: %v", err)
	}
	return out.String()
}

func TestREPL_QuestionAndAnswer(t *testing.T) {
	eng := &scriptEngine{state: engine.ExecutionState{Stage: engine.StageIdle}}
	out := runScript(t, eng, "draft intro section\nformal\n/quit\nignored\n")

	if !strings.Contains(out, "confirm tone: formal or casual?") {
		t.Errorf("question not shown:\n%s", out)
	}
	if !strings.Contains(out, "Draft in a formal tone.") {
		t.Errorf("output not shown:\n%s", out)
	}
	if len(eng.inputs) != 2 {
		t.Errorf("expected 2 submissions, got %v", eng.inputs)
	}
}

func TestREPL_Commands(t *testing.T) {
	eng := &scriptEngine{state: engine.ExecutionState{Stage: engine.StageIdle}}
	out := runScript(t, eng, "draft intro\n/state\n/cancel\n/new handbook\n/bogus\n")

	if !strings.Contains(out, "stage=awaiting_user") {
		t.Errorf("state not shown:\n%s", out)
	}
	if eng.cancelled != 1 || !strings.Contains(out, "Cancelled.") {
		t.Errorf("cancel not handled:\n%s", out)
	}
	if len(eng.projects) != 1 || eng.projects[0] != "handbook" {
		t.Errorf("unexpected projects %v", eng.projects)
	}
	if !strings.Contains(out, "Unknown command /bogus") {
		t.Errorf("unknown command not reported:\n%s", out)
	}
}

func TestREPL_GreetsPendingQuestion(t *testing.T) {
	eng := &scriptEngine{state: engine.ExecutionState{
		Stage:              engine.StageAwaitingUser,
		PendingInteraction: &engine.PendingInteraction{Question: "which audience?"},
	}}
	out := runScript(t, eng, "")
	if !strings.Contains(out, "Resuming where you left off") || !strings.Contains(out, "which audience?") {
		t.Errorf("pending question not shown on start:\n%s", out)
	}
}

func TestRenderStatus(t *testing.T) {
	st := engine.ExecutionState{Stage: engine.StageIdle, Cancelled: true, SessionID: "abc"}
	got := renderStatus(st)
	for _, want := range []string{"stage=idle", "cancelled", "session=abc"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}
}
