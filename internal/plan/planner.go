package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
)

// Roster describes the specialists a plan may delegate to.
type Roster interface {
	Has(name string) bool
	Describe() map[string]string // name -> one-line description
}

// Planner turns a user request into a plan.
type Planner interface {
	Plan(ctx context.Context, task string) (*Plan, error)
}

// StaticPlanner returns the same sequence of steps for every task.
type StaticPlanner struct {
	Steps []Step
}

// Plan implements Planner.
func (s StaticPlanner) Plan(_ context.Context, task string) (*Plan, error) {
	steps := make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		steps[i] = st.clone()
	}
	return New(task, steps...), nil
}

// LLMPlanner asks the model to decompose a task into specialist steps.
// When the model output cannot be used, it falls back to a single step on
// the fallback specialist so the request is still served.
type LLMPlanner struct {
	provider llm.Provider
	roster   Roster
	fallback string
	maxSteps int
	logger   *logging.Logger
}

// NewLLMPlanner creates a planner backed by provider.
func NewLLMPlanner(provider llm.Provider, roster Roster, fallback string) *LLMPlanner {
	return &LLMPlanner{
		provider: provider,
		roster:   roster,
		fallback: fallback,
		maxSteps: 6,
		logger:   logging.New().WithComponent("planner"),
	}
}

const plannerSystemPrompt = `You are the planning component of a document-authoring assistant.
Break the user's request into an ordered list of steps. Each step is handled by exactly one specialist.
Respond with JSON only:
{"steps":[{"specialist":"<name>","description":"<what this step must produce>"}]}
Use as few steps as the request needs.`

type plannedStep struct {
	Specialist  string `json:"specialist"`
	Description string `json:"description"`
}

// Plan implements Planner.
func (p *LLMPlanner) Plan(ctx context.Context, task string) (*Plan, error) {
	var roster strings.Builder
	desc := p.roster.Describe()
	names := make([]string, 0, len(desc))
	for name := range desc {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		roster.WriteString(fmt.Sprintf("- %s: %s\n", name, desc[name]))
	}

	resp, err := p.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("<specialists>\n%s</specialists>\n\n<request>\n%s\n</request>", roster.String(), task)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}

	steps, perr := p.parse(resp.Content)
	if perr != nil {
		p.logger.Warn("planner output unusable, using single-step plan", map[string]interface{}{
			"error":    perr.Error(),
			"fallback": p.fallback,
			"output":   truncate(resp.Content, 300),
		})
		steps = []Step{{Specialist: p.fallback, Description: task}}
	}

	pl := New(task, steps...)
	if err := pl.Validate(p.roster); err != nil {
		return nil, err
	}
	return pl, nil
}

func (p *LLMPlanner) parse(content string) ([]Step, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in output")
	}
	var out struct {
		Steps []plannedStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if len(out.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	if len(out.Steps) > p.maxSteps {
		out.Steps = out.Steps[:p.maxSteps]
	}
	steps := make([]Step, 0, len(out.Steps))
	for _, s := range out.Steps {
		if !p.roster.Has(s.Specialist) {
			return nil, fmt.Errorf("unknown specialist %q", s.Specialist)
		}
		steps = append(steps, Step{Specialist: s.Specialist, Description: s.Description})
	}
	return steps, nil
}

// ExtractJSON returns the first balanced JSON object found in content.
func ExtractJSON(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
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
