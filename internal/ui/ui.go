// Package ui renders CLI output with lipgloss styles.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/Mschirtzinger/studytrack/internal/reconcile"
	"github.com/Mschirtzinger/studytrack/internal/types"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#5FAFFF"})
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008700", Dark: "#5FD75F"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD75F"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"})
	boldStyle   = lipgloss.NewStyle().Bold(true)

	statusStyles = map[types.Status]lipgloss.Style{
		types.StatusNotStarted: mutedStyle,
		types.StatusStudying:   accentStyle,
		types.StatusFinished:   passStyle,
		types.StatusReview1:    warnStyle,
		types.StatusReview2:    warnStyle,
		types.StatusQuestions:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8700AF", Dark: "#D787FF"}),
	}
)

// Init configures color output. Colors are off when noColor is set or
// NO_COLOR is present in the environment.
func Init(noColor bool) {
	if noColor || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// RenderStatus renders a status label in its color.
func RenderStatus(s types.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		style = mutedStyle
	}
	return style.Render(string(s))
}

// ProgressBar renders done/total as a bar of the given width.
func ProgressBar(done, total, width int) string {
	if width <= 0 {
		width = 20
	}
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	filled = min(max(filled, 0), width)
	return passStyle.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", width-filled))
}

// completed reports whether a status counts as done for progress bars.
func completed(s types.Status) bool {
	return s != types.StatusNotStarted && s != types.StatusStudying
}

// RenderTaxonomy writes the merged taxonomy as an indented tree. With
// subjectsOnly, topics are omitted.
func RenderTaxonomy(w io.Writer, view reconcile.MergedTaxonomy, subjectsOnly bool) {
	for _, g := range view.Groups {
		fmt.Fprintf(w, "%s\n", RenderBold(g.Title))
		for _, s := range g.Subjects {
			done := 0
			for _, t := range s.Topics {
				if completed(t.Status) {
					done++
				}
			}
			fmt.Fprintf(w, "  %-28s %s %d/%d\n", s.Title, ProgressBar(done, len(s.Topics), 16), done, len(s.Topics))
			if subjectsOnly {
				continue
			}
			for _, t := range s.Topics {
				line := fmt.Sprintf("    %s %-32s %s", RenderMuted(fmt.Sprintf("%4s", t.ID)), t.Title, RenderStatus(t.Status))
				if len(t.Images) > 0 {
					line += RenderMuted(fmt.Sprintf(" [%d img]", len(t.Images)))
				}
				if t.Note != "" {
					line += RenderMuted(" ✎")
				}
				fmt.Fprintln(w, line)
			}
		}
	}
}

// RenderProgress writes per-status totals in cycle order.
func RenderProgress(w io.Writer, counts map[types.Status]int) {
	total := 0
	for _, n := range counts {
		total += n
	}
	for _, s := range types.Statuses() {
		fmt.Fprintf(w, "  %-12s %s %d\n", RenderStatus(s), ProgressBar(counts[s], total, 20), counts[s])
	}
}

// RenderTopic writes the detail view of one topic.
func RenderTopic(w io.Writer, t reconcile.MergedTopic) {
	fmt.Fprintf(w, "%s %s\n", RenderAccent(t.ID), RenderBold(t.Title))
	fmt.Fprintf(w, "  Status:  %s\n", RenderStatus(t.Status))
	if t.Note != "" {
		fmt.Fprintf(w, "  Note:    %s\n", t.Note)
	}
	if !t.LastUpdated.IsZero() {
		fmt.Fprintf(w, "  Updated: %s\n", t.LastUpdated.Local().Format("2006-01-02 15:04"))
	}
	for _, img := range t.Images {
		caption := img.Caption
		if caption == "" {
			caption = RenderMuted("(no caption)")
		}
		fmt.Fprintf(w, "  Image:   %s %s %s\n", RenderMuted(img.ID), img.ContentType, caption)
	}
}
