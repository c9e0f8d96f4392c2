package main

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/specpilot/internal/engine"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - metadata

	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")) // Blue

	questionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11")) // Yellow - needs the user

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // White

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red
)

// renderState formats the outcome of a turn for the terminal.
func renderState(st engine.ExecutionState, width int) string {
	var b strings.Builder
	switch st.Stage {
	case engine.StageAwaitingUser:
		p := st.PendingInteraction
		if p == nil {
			b.WriteString(dimStyle.Render(string(st.Stage)))
			break
		}
		if p.Specialist != "" {
			b.WriteString(dimStyle.Render(fmt.Sprintf("[%s asks]", p.Specialist)))
			b.WriteString("\n")
		}
		b.WriteString(questionStyle.Render(wrap(p.Question, width)))
		for i, opt := range p.Options {
			b.WriteString(fmt.Sprintf("\n  %d. %s", i+1, opt))
		}

	case engine.StageCompleted:
		b.WriteString(outputStyle.Render(wrap(st.LastOutput, width)))

	case engine.StageError:
		b.WriteString(errorStyle.Render(wrap("Task failed: "+st.LastError, width)))

	default:
		if st.Cancelled {
			b.WriteString(dimStyle.Render("Cancelled."))
		} else {
			b.WriteString(dimStyle.Render(string(st.Stage)))
		}
	}
	return b.String()
}

// renderStatus is the one-line summary printed by /state and `state`.
func renderStatus(st engine.ExecutionState) string {
	parts := []string{"stage=" + string(st.Stage)}
	if st.CurrentTask != "" {
		parts = append(parts, fmt.Sprintf("task=%q", truncate(st.CurrentTask, 60)))
	}
	if st.PendingInteraction != nil {
		parts = append(parts, fmt.Sprintf("question=%q", truncate(st.PendingInteraction.Question, 60)))
	}
	if st.ResumeContext != nil {
		parts = append(parts, fmt.Sprintf("cycles=%d", st.ResumeContext.Cycles))
		if pes := st.ResumeContext.PlanExecutorState; pes != nil && pes.Plan != nil {
			parts = append(parts, fmt.Sprintf("step=%d/%d", pes.StepIndex+1, len(pes.Plan.Steps)))
		}
	}
	if st.Cancelled {
		parts = append(parts, "cancelled")
	}
	if st.SessionID != "" {
		parts = append(parts, "session="+st.SessionID)
	}
	return dimStyle.Render(strings.Join(parts, " "))
}

func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return wordwrap.String(s, width)
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
