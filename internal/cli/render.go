package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/coordinator"
	"github.com/ashureev/dialog-sync/internal/dialog"
)

const barWidth = 24

type styles struct {
	title    lipgloss.Style
	header   lipgloss.Style
	label    lipgloss.Style
	detail   lipgloss.Style
	question lipgloss.Style
	option   lipgloss.Style
	warning  lipgloss.Style
	section  lipgloss.Style
	empty    lipgloss.Style
	barFill  lipgloss.Style
	barEmpty lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true),
		header:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		label:    lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		detail:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		question: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		option:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		warning:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		section:  lipgloss.NewStyle().MarginTop(1),
		empty:    lipgloss.NewStyle().Faint(true),
		barFill:  lipgloss.NewStyle().Foreground(lipgloss.Color("159")),
		barEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
	}
}

func stateStyle(state dialog.State) lipgloss.Style {
	color := "252"
	switch state {
	case dialog.StateApproved:
		color = "42"
	case dialog.StateCancelled:
		color = "203"
	case dialog.StateConfirming, dialog.StateClarifying, dialog.StateRefining:
		color = "214"
	}
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(color))
}

func renderView(sessionID string, v dialog.View, tasks []backend.Task, s styles) string {
	lines := []string{
		s.title.Render("Dialog " + sessionID),
		fmt.Sprintf("%s %s", s.label.Render("state:"), stateStyle(v.State).Render(string(v.State))),
		fmt.Sprintf("%s %s %s",
			s.label.Render("progress:"),
			renderBar(v.Progress, s),
			s.detail.Render(fmt.Sprintf("%d%% (%d/%d)", v.Progress, v.Answered, v.Total))),
	}
	if summary, ok := v.Requirement["summary"].(string); ok && summary != "" {
		lines = append(lines, fmt.Sprintf("%s %s", s.label.Render("summary:"), s.detail.Render(summary)))
	}
	if v.CancelReason != "" {
		lines = append(lines, fmt.Sprintf("%s %s", s.label.Render("reason:"), s.warning.Render(v.CancelReason)))
	}
	if v.Pending != nil {
		lines = append(lines, s.section.Render(renderQuestion(v.Pending, s)))
	}
	if len(tasks) > 0 {
		lines = append(lines, s.section.Render(renderTasks(tasks, s)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderQuestion(q *dialog.Question, s styles) string {
	parts := []string{s.question.Render(q.Prompt)}
	for i, opt := range q.Options {
		parts = append(parts, s.option.Render(fmt.Sprintf("  %d) %s", i+1, opt)))
	}
	hint := string(q.Kind)
	if q.Default != nil {
		hint += fmt.Sprintf(", default %v", q.Default)
	}
	parts = append(parts, s.header.Render("("+hint+")"))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderTasks(tasks []backend.Task, s styles) string {
	if len(tasks) == 0 {
		return s.empty.Render("No tasks.")
	}
	lines := []string{s.title.Render(fmt.Sprintf("Tasks (%d)", len(tasks)))}
	for _, t := range tasks {
		lines = append(lines, fmt.Sprintf("  %s %s %s %s",
			s.header.Render(shortID(t.ID)),
			s.label.Render(fmt.Sprintf("[%s]", t.Priority)),
			s.detail.Render(t.Title),
			s.option.Render(fmt.Sprintf("%s %d%%", t.Status, t.Progress))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderStats(stats backend.TaskStats, s styles) string {
	lines := []string{s.title.Render(fmt.Sprintf("Task stats (%d total)", stats.Total))}
	for _, group := range []struct {
		name   string
		counts map[string]int
	}{
		{"status", stats.ByStatus},
		{"priority", stats.ByPriority},
		{"type", stats.ByType},
	} {
		lines = append(lines, fmt.Sprintf("  %s %s", s.label.Render(group.name+":"), s.detail.Render(formatCounts(group.counts))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderHistory(turns []dialog.Turn, s styles) string {
	if len(turns) == 0 {
		return s.empty.Render("No answers recorded.")
	}
	lines := make([]string, 0, len(turns))
	for i, t := range turns {
		lines = append(lines, fmt.Sprintf("%s %s %s",
			s.header.Render(fmt.Sprintf("%d.", i+1)),
			s.detail.Render(firstLine(t.Question.Prompt)),
			s.question.Render(fmt.Sprintf("%v", t.Answer))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderArchitecture(a backend.Architecture, s styles) string {
	lines := []string{s.title.Render("Architecture " + a.SessionID)}
	lines = append(lines, fmt.Sprintf("%s %s", s.label.Render("stack:"), s.detail.Render(formatStack(a.TechStack))))
	for _, c := range a.Components {
		lines = append(lines, fmt.Sprintf("  %s %s", s.question.Render(fmt.Sprint(c["name"])), s.option.Render(fmt.Sprint(c["responsibility"]))))
	}
	for _, e := range a.APIEndpoints {
		lines = append(lines, s.detail.Render(fmt.Sprintf("  %-6s %s", e["method"], e["path"])))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderRunning(tasks []backend.RunningTask, s styles) string {
	if len(tasks) == 0 {
		return s.empty.Render("No running tasks.")
	}
	lines := []string{s.title.Render(fmt.Sprintf("Running tasks (%d)", len(tasks)))}
	for _, t := range tasks {
		lines = append(lines, fmt.Sprintf("  %s %s %s",
			s.header.Render(shortID(t.ID)),
			s.detail.Render(t.Title),
			renderBar(t.Progress, s)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSummary(sum backend.TaskSummary, s styles) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		s.title.Render(fmt.Sprintf("Session %s: %d/%d tasks completed", sum.SessionID, sum.Completed, sum.Total)),
		fmt.Sprintf("  %s %s", s.label.Render("progress:"), renderBar(sum.Progress, s)),
		fmt.Sprintf("  %s %s", s.label.Render("status:"), s.detail.Render(formatCounts(sum.ByStatus))))
}

func renderChecklist(c backend.Checklist, s styles) string {
	lines := []string{
		s.title.Render(fmt.Sprintf("Delivery checklist for %s", c.ProjectName)),
		fmt.Sprintf("%s %s", s.label.Render("complete:"), renderBar(c.CompletionPercentage, s)),
	}
	for _, item := range c.Items {
		mark := s.barEmpty.Render("[ ]")
		if item.Status == "done" {
			mark = s.barFill.Render("[x]")
		}
		name := s.detail.Render(item.Name)
		if !item.Required {
			name += s.header.Render(" (optional)")
		}
		lines = append(lines, "  "+mark+" "+name)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderProjects(projects []backend.Project, s styles) string {
	if len(projects) == 0 {
		return s.empty.Render("No delivered projects.")
	}
	lines := []string{s.title.Render(fmt.Sprintf("Projects (%d)", len(projects)))}
	for _, p := range projects {
		lines = append(lines, fmt.Sprintf("  %s %s %s %s",
			s.header.Render(shortID(p.ID)),
			s.question.Render(p.Name),
			s.label.Render(p.Version),
			s.option.Render(formatStack(p.TechStack))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderUpdate formats one coordinator update as a single watch line.
func renderUpdate(u coordinator.Update, s styles) string {
	if c := u.Connectivity; c != nil {
		return renderConnectivity(*c, s)
	}
	if h := u.Hint; h != nil {
		msg := fmt.Sprintf("%s %s", s.label.Render(string(h.Type)), s.detail.Render(h.Message))
		if h.Ref != "" {
			msg += s.header.Render(" " + h.Ref)
		}
		if h.Status != "" {
			msg += s.option.Render(" " + h.Status)
		}
		if h.Progress != nil {
			msg += " " + renderBar(*h.Progress, s)
		}
		return msg
	}
	line := fmt.Sprintf("%s %s %d%%", s.label.Render("dialog"), stateStyle(u.View.State).Render(string(u.View.State)), u.View.Progress)
	if u.Transition.Changed() {
		line += s.header.Render(fmt.Sprintf(" (%s -> %s)", u.Transition.From, u.Transition.To))
	}
	if u.Discrepancy {
		line += " " + s.warning.Render("server state changed while disconnected")
	}
	return line
}

func renderConnectivity(c coordinator.Connectivity, s styles) string {
	line := fmt.Sprintf("%s %s", s.label.Render("channel"), s.detail.Render(c.Status))
	if c.Attempts > 0 {
		line += s.header.Render(fmt.Sprintf(" (attempt %d)", c.Attempts))
	}
	if c.Exhausted {
		line += " " + s.warning.Render("reconnect gave up; following by periodic refresh")
	}
	return line
}

func renderBar(percent int, s styles) string {
	percent = max(0, min(100, percent))
	filled := percent * barWidth / 100
	return "[" + s.barFill.Render(strings.Repeat("#", filled)) + s.barEmpty.Render(strings.Repeat("-", barWidth-filled)) + "]"
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func formatStack(stack map[string]string) string {
	parts := make([]string, 0, len(stack))
	for k, v := range stack {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
