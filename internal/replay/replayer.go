package replay

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/specpilot/internal/session"
)

// Replayer formats session events.
type Replayer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	maxContentSize int // Maximum size for Content fields (0 = unlimited)
	width          int
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxContentSize limits how much of each event's content is printed.
func WithMaxContentSize(size int) ReplayerOption {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// WithWidth wraps content blocks at width columns.
func WithWidth(width int) ReplayerOption {
	return func(r *Replayer) {
		r.width = width
	}
}

// New creates a new Replayer.
func New(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 50 * 1024,
		width:          100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay outputs a formatted timeline of session events.
func (r *Replayer) Replay(sess *session.Session) error {
	if sess == nil {
		return fmt.Errorf("no session to replay")
	}
	r.printHeader(sess)
	r.printTimeline(sess)
	r.printSummary(sess)
	return nil
}

func (r *Replayer) printHeader(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("SESSION"), valueStyle.Render(sess.ID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Project:"), valueStyle.Render(sess.Name))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Status: "), r.statusStyle(sess.Status).Render(sess.Status))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created:"), valueStyle.Render(sess.Meta.CreatedAt.Format(time.RFC3339)))
	if sess.BaseDir != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Dir:    "), valueStyle.Render(sess.BaseDir))
	}
	if len(sess.ActiveFiles) > 0 {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Files:  "), valueStyle.Render(strings.Join(sess.ActiveFiles, ", ")))
	}
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(sess *session.Session) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(sess.Events))))
	fmt.Fprintln(r.output, divider)

	var lastTask string
	for i := range sess.Events {
		r.formatEvent(&sess.Events[i], &lastTask)
	}
}

func (r *Replayer) printSummary(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)
	PrintStats(r.output, ComputeStats(sess))
}

// formatEvent formats a single event for display.
func (r *Replayer) formatEvent(event *session.Event, lastTask *string) {
	if event.Type == session.EventTaskStart && event.Task != *lastTask {
		fmt.Fprintln(r.output)
		fmt.Fprintf(r.output, "%s %s\n", flowStyle.Render("TASK:"), valueStyle.Render(truncate(event.Task, 100)))
		fmt.Fprintln(r.output)
		*lastTask = event.Task
	}

	seq := seqStyle.Render(fmt.Sprintf("%d", event.SeqID))
	ts := timeStyle.Render(event.Timestamp.Format("15:04:05"))
	line := func(label string, rest ...string) {
		parts := append([]string{label}, rest...)
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seq, ts, strings.Join(parts, " "))
	}

	switch event.Type {
	case session.EventSessionStart:
		line(flowStyle.Render("SESSION START"))
	case session.EventTaskStart:
		line(flowStyle.Render("TASK START"))
	case session.EventPlan:
		line(flowStyle.Render("PLAN"), dimStyle.Render(event.Content))
	case session.EventStepStart:
		label := "STEP START"
		if strings.HasPrefix(event.Content, "resumed") {
			label = "STEP RESUME"
		}
		line(flowStyle.Render(label), r.stepRef(event))
	case session.EventStepEnd:
		line(successStyle.Render("STEP END"), r.stepRef(event), r.duration(event))
		if r.verbosity >= 1 {
			r.printContent(event.Content)
		}
	case session.EventQuestion:
		line(questionStyle.Render("QUESTION"), r.stepRef(event))
		r.printContent(event.Content)
	case session.EventAnswer:
		line(answerStyle.Render("ANSWER"))
		r.printContent(event.Content)
	case session.EventTaskEnd:
		if event.Error != "" {
			line(errorStyle.Render("TASK FAILED"), valueStyle.Render(truncate(event.Error, 120)))
			return
		}
		line(successStyle.Render("TASK END"), r.duration(event))
		if r.verbosity >= 1 {
			r.printContent(event.Content)
		}
	case session.EventCancel:
		line(warnStyle.Render("CANCELLED"))
	case session.EventArchive:
		line(dimStyle.Render("ARCHIVED"), dimStyle.Render(event.Content))
	default:
		line(dimStyle.Render(event.Type))
	}
}

func (r *Replayer) stepRef(event *session.Event) string {
	if event.Step == "" && event.Specialist == "" {
		return ""
	}
	ref := event.Step
	if event.Specialist != "" {
		ref = specialistStyle.Render(event.Specialist) + dimStyle.Render(" "+event.Step)
	}
	return ref
}

func (r *Replayer) duration(event *session.Event) string {
	if event.DurationMs <= 0 {
		return ""
	}
	return dimStyle.Render(fmt.Sprintf("(%s)", formatDuration(event.DurationMs)))
}

// printContent prints an indented, wrapped content block.
func (r *Replayer) printContent(content string) {
	if content == "" {
		return
	}
	if r.verbosity < 2 {
		content = truncate(content, 300)
	}
	if r.maxContentSize > 0 && len(content) > r.maxContentSize {
		total := len(content)
		content = strings.TrimSuffix(truncate(content, r.maxContentSize), "...") +
			fmt.Sprintf("\n... [truncated, %d bytes total]", total)
	}
	for _, l := range strings.Split(wordwrap.String(content, r.width), "\n") {
		fmt.Fprintf(r.output, "      │          │   %s\n", valueStyle.Render(l))
	}
}

func (r *Replayer) statusStyle(status string) lipgloss.Style {
	switch status {
	case session.StatusActive:
		return successStyle
	case session.StatusArchived:
		return dimStyle
	default:
		return warnStyle
	}
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
