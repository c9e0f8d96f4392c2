// Package resume defines the continuation envelope carried across a
// suspension and the rules for merging it on every resume.
//
// A Context has three parts. PlanExecutorState belongs to the plan executor
// and is never taken from a specialist. AskQuestion describes the most
// recent question. Specialist is a payload tagged with the specialist that
// produced it, whose fields may differ in shape between specialists.
//
// Every type in this package round-trips through encoding/json.
package resume

import (
	"encoding/json"
	"time"

	"github.com/vinayprograms/specpilot/internal/plan"
)

// HistoryEntry is one line of a specialist loop's execution history.
type HistoryEntry struct {
	Iteration int       `json:"iteration"`
	Action    string    `json:"action"` // tool, ask, complete, error
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// LoopState is the position inside one specialist's iteration loop.
type LoopState struct {
	Specialist    string         `json:"specialist"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	History       []HistoryEntry `json:"history,omitempty"`
	Looping       bool           `json:"looping"`
	StartedAt     time.Time      `json:"started_at"`
}

// Record appends an entry, dropping the oldest entries beyond limit.
// A limit of zero or less keeps everything.
func (l *LoopState) Record(e HistoryEntry, limit int) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.History = append(l.History, e)
	if limit > 0 && len(l.History) > limit {
		l.History = append([]HistoryEntry(nil), l.History[len(l.History)-limit:]...)
	}
}

// Clone returns a deep copy.
func (l *LoopState) Clone() *LoopState {
	if l == nil {
		return nil
	}
	c := *l
	if l.History != nil {
		c.History = append([]HistoryEntry(nil), l.History...)
	}
	return &c
}

// PlanExecutorState is the full position inside the active plan.
type PlanExecutorState struct {
	PlanID    string            `json:"plan_id"`
	Plan      *plan.Plan        `json:"plan"`
	StepIndex int               `json:"step_index"`
	Results   []plan.StepResult `json:"results,omitempty"`
	Loop      *LoopState        `json:"loop,omitempty"`
}

// Clone returns a deep copy.
func (s *PlanExecutorState) Clone() *PlanExecutorState {
	if s == nil {
		return nil
	}
	return &PlanExecutorState{
		PlanID:    s.PlanID,
		Plan:      s.Plan.Clone(),
		StepIndex: s.StepIndex,
		Results:   plan.CloneResults(s.Results),
		Loop:      s.Loop.Clone(),
	}
}

// CurrentStep returns the step in flight, or nil when the index is out of range.
func (s *PlanExecutorState) CurrentStep() *plan.Step {
	if s == nil || s.Plan == nil || s.StepIndex < 0 || s.StepIndex >= len(s.Plan.Steps) {
		return nil
	}
	return &s.Plan.Steps[s.StepIndex]
}

// AskQuestionContext describes the directive that triggered the latest suspension.
type AskQuestionContext struct {
	ToolCallID   string    `json:"tool_call_id"`
	ToolName     string    `json:"tool_name"`
	Question     string    `json:"question"`
	Options      []string  `json:"options,omitempty"`
	RawDirective string    `json:"raw_directive,omitempty"`
	AskedAt      time.Time `json:"asked_at"`
}

// Clone returns a deep copy.
func (a *AskQuestionContext) Clone() *AskQuestionContext {
	if a == nil {
		return nil
	}
	c := *a
	if a.Options != nil {
		c.Options = append([]string(nil), a.Options...)
	}
	return &c
}

// ToolCall is a serializable tool invocation inside a transcript.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Turn is a serializable conversation message.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SpecialistPayload is the specialist-local continuation, tagged with the
// specialist that owns it.
type SpecialistPayload struct {
	Specialist string                 `json:"specialist"`
	Transcript []Turn                 `json:"transcript,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a deep copy. Field values are copied through JSON so
// nested maps and slices are not shared.
func (p *SpecialistPayload) Clone() *SpecialistPayload {
	if p == nil {
		return nil
	}
	c := &SpecialistPayload{Specialist: p.Specialist}
	if p.Transcript != nil {
		c.Transcript = make([]Turn, len(p.Transcript))
		for i, t := range p.Transcript {
			c.Transcript[i] = t
			if t.ToolCalls != nil {
				calls := make([]ToolCall, len(t.ToolCalls))
				for j, tc := range t.ToolCalls {
					calls[j] = ToolCall{ID: tc.ID, Name: tc.Name, Args: copyFields(tc.Args)}
				}
				c.Transcript[i].ToolCalls = calls
			}
		}
	}
	c.Fields = copyFields(p.Fields)
	return c
}

// Context is the continuation payload stored by the engine between turns.
type Context struct {
	PlanExecutorState *PlanExecutorState  `json:"planExecutorState,omitempty"`
	AskQuestion       *AskQuestionContext `json:"askQuestionContext,omitempty"`
	Specialist        *SpecialistPayload  `json:"specialist,omitempty"`
	Cycles            int                 `json:"cycles"`
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	return &Context{
		PlanExecutorState: c.PlanExecutorState.Clone(),
		AskQuestion:       c.AskQuestion.Clone(),
		Specialist:        c.Specialist.Clone(),
		Cycles:            c.Cycles,
	}
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]interface{}, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
