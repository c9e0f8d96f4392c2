// Package plan defines plans, steps and the planners that produce them.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/specpilot/internal/faults"
)

// Step is one unit of delegated work.
type Step struct {
	ID          string            `json:"id"`
	Specialist  string            `json:"specialist"`
	Description string            `json:"description"`
	Inputs      map[string]string `json:"inputs,omitempty"`
}

// StepResult is the recorded output of a finished step. Results are never
// modified after they are recorded.
type StepResult struct {
	StepID      string    `json:"step_id"`
	Specialist  string    `json:"specialist"`
	Output      string    `json:"output"`
	Iterations  int       `json:"iterations"`
	CompletedAt time.Time `json:"completed_at"`
}

// Plan is an ordered list of steps for one task.
type Plan struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds a plan with fresh identifiers for the plan and any step missing one.
func New(task string, steps ...Step) *Plan {
	p := &Plan{
		ID:        uuid.NewString(),
		Task:      task,
		Steps:     make([]Step, 0, len(steps)),
		CreatedAt: time.Now(),
	}
	for i, s := range steps {
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		p.Steps = append(p.Steps, s)
	}
	return p
}

// Validate checks the plan is executable against the given roster.
// A nil roster skips the specialist check.
func (p *Plan) Validate(roster Roster) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", faults.ErrInvalidPlan)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", faults.ErrInvalidPlan)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Specialist == "" {
			return fmt.Errorf("%w: step %d names no specialist", faults.ErrInvalidPlan, i+1)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", faults.ErrInvalidPlan, s.ID)
		}
		seen[s.ID] = true
		if roster != nil && !roster.Has(s.Specialist) {
			return fmt.Errorf("%w: step %d: %q", faults.ErrUnknownSpecialist, i+1, s.Specialist)
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.clone()
	}
	return &c
}

func (s Step) clone() Step {
	if s.Inputs != nil {
		in := make(map[string]string, len(s.Inputs))
		for k, v := range s.Inputs {
			in[k] = v
		}
		s.Inputs = in
	}
	return s
}

// CloneResults copies a result slice.
func CloneResults(rs []StepResult) []StepResult {
	if rs == nil {
		return nil
	}
	out := make([]StepResult, len(rs))
	copy(out, rs)
	return out
}
