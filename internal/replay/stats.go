package replay

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/vinayprograms/specpilot/internal/session"
)

// Stats holds aggregate statistics for a session.
type Stats struct {
	// Wall time from first to last event
	TotalDurationMs int64

	Tasks     int
	Completed int
	Failed    int
	Cancelled int

	Steps int
	// Step durations summed per specialist
	SpecialistMs map[string]int64

	Questions int
	Answers   int
	// Longest run of questions within one task
	MaxQuestionsPerTask int
}

// ComputeStats calculates aggregate statistics from session events.
func ComputeStats(sess *session.Session) *Stats {
	stats := &Stats{
		SpecialistMs: make(map[string]int64),
	}

	var firstEvent, lastEvent time.Time
	perTask := 0

	for _, event := range sess.Events {
		if firstEvent.IsZero() || event.Timestamp.Before(firstEvent) {
			firstEvent = event.Timestamp
		}
		if lastEvent.IsZero() || event.Timestamp.After(lastEvent) {
			lastEvent = event.Timestamp
		}

		switch event.Type {
		case session.EventTaskStart:
			stats.Tasks++
			perTask = 0
		case session.EventTaskEnd:
			if event.Error != "" {
				stats.Failed++
			} else {
				stats.Completed++
			}
		case session.EventCancel:
			stats.Cancelled++
		case session.EventStepEnd:
			stats.Steps++
			if event.Specialist != "" {
				stats.SpecialistMs[event.Specialist] += event.DurationMs
			}
		case session.EventQuestion:
			stats.Questions++
			perTask++
			if perTask > stats.MaxQuestionsPerTask {
				stats.MaxQuestionsPerTask = perTask
			}
		case session.EventAnswer:
			stats.Answers++
		}
	}

	if !firstEvent.IsZero() && !lastEvent.IsZero() {
		stats.TotalDurationMs = lastEvent.Sub(firstEvent).Milliseconds()
	}
	return stats
}

// PrintStats outputs the statistics to the writer.
func PrintStats(w io.Writer, stats *Stats) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))

	fmt.Fprintln(w, headerStyle.Render("SESSION STATISTICS"))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n",
		labelStyle.Render("Total Duration:"),
		valueStyle.Render(formatDuration(stats.TotalDurationMs)))
	fmt.Fprintf(w, "%s %s\n",
		labelStyle.Render("Tasks:"),
		valueStyle.Render(fmt.Sprintf("%d (%d completed, %d failed, %d cancelled)",
			stats.Tasks, stats.Completed, stats.Failed, stats.Cancelled)))
	fmt.Fprintf(w, "%s %s\n",
		labelStyle.Render("Steps:"),
		valueStyle.Render(fmt.Sprintf("%d", stats.Steps)))
	fmt.Fprintf(w, "%s %s\n",
		labelStyle.Render("Questions:"),
		valueStyle.Render(fmt.Sprintf("%d asked, %d answered, at most %d in one task",
			stats.Questions, stats.Answers, stats.MaxQuestionsPerTask)))

	if len(stats.SpecialistMs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Specialist Time:"))
		names := make([]string, 0, len(stats.SpecialistMs))
		for n := range stats.SpecialistMs {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(w, "  %s %s\n",
				labelStyle.Render(n+":"),
				valueStyle.Render(formatDuration(stats.SpecialistMs[n])))
		}
	}
}

// formatDuration formats milliseconds as human-readable duration.
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.2fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm%ds", mins, secs)
}
