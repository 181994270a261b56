// Package ui holds the small lipgloss/glamour styling surface cmd/atlasd
// uses to render operator-facing summaries, mirroring the teacher's own
// internal/ui package (Color* adaptive-color constants consumed by its
// table/graph/search renderers) adapted from issue-tracker output to
// maintenance-command output.
package ui

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Palette, matching the teacher's AdaptiveColor convention of a light and a
// dark hex value per role so output stays legible in either terminal theme.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#036A96", Dark: "#59C2FF"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#AAD94C"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B35900", Dark: "#FFB454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#B3261E", Dark: "#F07178"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#8A9199"}
)

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	LabelStyle = lipgloss.NewStyle().Foreground(ColorMuted)
	PassStyle  = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle  = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle  = lipgloss.NewStyle().Foreground(ColorFail)
)

// BoxStyle returns a bordered, padded style for wrapping a command's
// summary block, the same shape the teacher's thanksBoxStyle/init_render
// boxes use for their own bordered output.
func BoxStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted).
		Padding(0, 2).
		Width(width)
}

// RenderMarkdown renders md through glamour's auto-styled terminal
// renderer, falling back to the raw text if the terminal style can't be
// resolved (e.g. no TTY) rather than failing the command outright.
func RenderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
