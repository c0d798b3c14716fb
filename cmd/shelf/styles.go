package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/shelf/internal/config"
	"github.com/pders01/shelf/internal/storage"
)

type styles struct {
	title   lipgloss.Style
	accent  lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
}

func newStyles(ui *config.UIConfig) styles {
	colors := config.UIColors{
		Primary: "#FF6B6B",
		Accent:  "#95E1D3",
		Muted:   "#94A3B8",
		Error:   "#F87171",
		Success: "#4ADE80",
	}
	if ui != nil {
		colors = ui.Colors
	}
	return styles{
		title:   lipgloss.NewStyle().Foreground(lipgloss.Color(colors.Primary)).Bold(true),
		accent:  lipgloss.NewStyle().Foreground(lipgloss.Color(colors.Accent)),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color(colors.Muted)),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color(colors.Success)),
		failure: lipgloss.NewStyle().Foreground(lipgloss.Color(colors.Error)).Bold(true),
	}
}

func (s styles) errorLine(err error) string {
	return s.failure.Render("error: ") + err.Error()
}

func (s styles) statusBadge(status storage.EntryStatus, starred bool) string {
	var b strings.Builder
	if status == storage.StatusUnread {
		b.WriteString(s.accent.Render("●"))
	} else {
		b.WriteString(s.muted.Render("○"))
	}
	if starred {
		b.WriteString(s.title.Render("★"))
	} else {
		b.WriteString(" ")
	}
	return b.String()
}

func (s styles) syncBadge(state storage.SyncState) string {
	if state == storage.SyncPendingUpload {
		return s.failure.Render("⇡")
	}
	return " "
}

// banner renders the version box.
func (s styles) banner(version string) string {
	lines := []string{
		s.title.Render("shelf " + version),
		s.accent.Render("Offline reader"),
		s.muted.Render("github.com/pders01/shelf"),
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(s.accent.GetForeground()).
		Padding(0, 3)

	return box.Render(lipgloss.JoinVertical(lipgloss.Center, lines...))
}

func (s styles) heading(format string, args ...any) string {
	return s.title.Render(fmt.Sprintf(format, args...))
}
