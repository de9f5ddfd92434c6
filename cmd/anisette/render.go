package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/zboralski/anisette/internal/ui/colorize"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#569CD6"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#B4B4B4"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF80C0"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5050"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#505050")).
			Padding(0, 1)
)

func init() {
	if colorize.IsDisabled() {
		titleStyle, keyStyle, valueStyle, errorStyle = lipgloss.NewStyle(), lipgloss.NewStyle(), lipgloss.NewStyle(), lipgloss.NewStyle()
	}
}

// renderMap renders a string map as a two column table sorted by key.
func renderMap(title string, m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return valueStyle
		})
	for _, k := range keys {
		t.Row(k, m[k])
	}
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), t.String())
}

// panel renders label/value lines in a bordered box.
func panel(title string, lines ...[2]string) string {
	width := 0
	for _, l := range lines {
		width = max(width, len(l[0]))
	}
	body := []string{titleStyle.Render(title)}
	for _, l := range lines {
		body = append(body, keyStyle.Render(fmt.Sprintf("%-*s", width, l[0]))+"  "+l[1])
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, body...))
}

// status prints a progress line unless -q is set.
func status(format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintln(os.Stderr, keyStyle.Render(fmt.Sprintf(format, args...)))
}
