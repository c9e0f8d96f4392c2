package specialist

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/specpilot/internal/plan"
)

// PromptBuilder assembles the XML-structured user prompt for one step.
type PromptBuilder struct {
	task        string
	priorSteps  []plan.StepResult
	step        plan.Step
	inputs      map[string]string
	activeFiles []string
}

// NewPromptBuilder creates a builder for the given user request.
func NewPromptBuilder(task string) *PromptBuilder {
	return &PromptBuilder{task: task}
}

// AddPriorStep adds a finished step's output to the context.
func (b *PromptBuilder) AddPriorStep(r plan.StepResult) *PromptBuilder {
	b.priorSteps = append(b.priorSteps, r)
	return b
}

// SetStep sets the step to execute and its inputs.
func (b *PromptBuilder) SetStep(s plan.Step) *PromptBuilder {
	b.step = s
	b.inputs = s.Inputs
	return b
}

// SetActiveFiles lists the session's active files.
func (b *PromptBuilder) SetActiveFiles(files []string) *PromptBuilder {
	b.activeFiles = files
	return b
}

// Build generates the prompt.
func (b *PromptBuilder) Build() string {
	var buf strings.Builder

	buf.WriteString(fmt.Sprintf("<task>\n%s\n</task>\n", strings.TrimSpace(b.task)))

	if len(b.priorSteps) > 0 {
		buf.WriteString("\n<context>\n")
		for _, r := range b.priorSteps {
			buf.WriteString(fmt.Sprintf("  <step id=%q specialist=%q>\n", r.StepID, r.Specialist))
			buf.WriteString(r.Output)
			if !strings.HasSuffix(r.Output, "\n") {
				buf.WriteString("\n")
			}
			buf.WriteString("  </step>\n")
		}
		buf.WriteString("</context>\n")
	}

	if len(b.activeFiles) > 0 {
		buf.WriteString("\n<active-files>\n")
		for _, f := range b.activeFiles {
			buf.WriteString("  " + f + "\n")
		}
		buf.WriteString("</active-files>\n")
	}

	buf.WriteString(fmt.Sprintf("\n<current-step id=%q>\n", b.step.ID))
	desc := b.step.Description
	if desc == "" {
		desc = b.task
	}
	buf.WriteString(desc)
	if !strings.HasSuffix(desc, "\n") {
		buf.WriteString("\n")
	}
	for _, k := range sortedKeys(b.inputs) {
		buf.WriteString(fmt.Sprintf("  <input name=%q>%s</input>\n", k, b.inputs[k]))
	}
	buf.WriteString("</current-step>")

	return buf.String()
}

var varPattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// interpolate replaces $name placeholders from vars and returns the names
// it could not resolve. Unresolved placeholders are left as they are.
func interpolate(text string, vars map[string]string) (string, []string) {
	var unresolved []string
	out := varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		if v, ok := vars[name]; ok {
			return v
		}
		unresolved = append(unresolved, name)
		return match
	})
	return out, unresolved
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncateForLog cuts s to at most maxLen bytes without splitting a rune.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
