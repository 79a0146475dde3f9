package main

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// styled reports whether w is a terminal worth coloring.
func styled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func headerStyle() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
}

func dimStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
}

func errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
}

var statusColors = map[string]lipgloss.Color{
	"PASS": lipgloss.Color("42"),
	"WARN": lipgloss.Color("214"),
	"FAIL": lipgloss.Color("196"),
	"SKIP": lipgloss.Color("240"),
}

// badge renders a check status, colored only on a terminal.
func badge(w io.Writer, status string) string {
	label := "[" + status + "]"
	if !styled(w) {
		return label
	}
	return lipgloss.NewStyle().Bold(true).Foreground(statusColors[status]).Render(label)
}

// heading renders a section title, plain when not on a terminal.
func heading(w io.Writer, title string) string {
	if !styled(w) {
		return title
	}
	return headerStyle().Render(title)
}

func dim(w io.Writer, s string) string {
	if !styled(w) {
		return s
	}
	return dimStyle().Render(s)
}
