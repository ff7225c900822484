// Copyright (c) 2025 tj800x
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const statusBarCells = 20

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	barOKStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	barHotStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	barMaxStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// renderer owns all terminal output. On a TTY it streams raw deltas while
// tracking how many screen lines they occupy, then replaces them with the
// glamour-rendered markdown once the turn completes.
type renderer struct {
	out         *os.File
	term        *termenv.Output
	md          *glamour.TermRenderer
	interactive bool
	width       int

	// cursor tracking for the in-place markdown rewrite
	col   int
	lines int
}

func newRenderer(out *os.File) *renderer {
	r := &renderer{
		out:         out,
		term:        termenv.NewOutput(out),
		interactive: term.IsTerminal(int(out.Fd())),
		width:       80,
	}
	if !r.interactive {
		return r
	}
	if w, _, err := term.GetSize(int(out.Fd())); err == nil && w > 0 {
		r.width = w
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(min(r.width, 100)),
	)
	if err == nil {
		r.md = md
	}
	return r
}

func (r *renderer) prompt() string { return "> " }

func (r *renderer) banner(model, sessionID string) {
	fmt.Fprintf(r.out, "%s  %s\n%s\n",
		titleStyle.Render("aichat"),
		model,
		faintStyle.Render("session "+sessionID+"  ·  .help for commands"))
}

// delta writes one streamed chunk and keeps the occupied line count
// current so finish can rewrite the block.
func (r *renderer) delta(text string) {
	fmt.Fprint(r.out, text)
	if !r.interactive {
		return
	}
	for _, ch := range text {
		if ch == '\n' {
			r.lines++
			r.col = 0
			continue
		}
		r.col += runewidth.RuneWidth(ch)
		if r.col >= r.width {
			r.lines++
			r.col = 0
		}
	}
}

// finish ends the streamed block. On a TTY with a working markdown
// renderer the raw text is replaced by its rendered form.
func (r *renderer) finish(full string, ok bool) {
	occupied := r.lines
	if r.col > 0 {
		occupied++
	}
	r.col, r.lines = 0, 0

	if !r.interactive || !ok {
		if occupied > 0 {
			fmt.Fprintln(r.out)
		}
		return
	}
	if r.md == nil || strings.TrimSpace(full) == "" {
		fmt.Fprintln(r.out)
		return
	}

	rendered, err := r.md.Render(full)
	if err != nil {
		fmt.Fprintln(r.out)
		return
	}
	if occupied > 0 {
		r.term.ClearLines(occupied)
	}
	fmt.Fprint(r.out, rendered)
}

// markdown renders a complete reply, used on the non-streaming path.
func (r *renderer) markdown(text string) {
	if r.md != nil {
		if rendered, err := r.md.Render(text); err == nil {
			fmt.Fprint(r.out, rendered)
			return
		}
	}
	fmt.Fprintln(r.out, text)
}

func (r *renderer) errorLine(msg string) {
	fmt.Fprintln(r.out, errorStyle.Render("! "+msg))
}

// statusBar prints the token budget as a small gauge.
func (r *renderer) statusBar(total, max int) {
	if !r.interactive || max <= 0 {
		return
	}
	frac := float64(total) / float64(max)
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * statusBarCells)

	style := barOKStyle
	switch {
	case frac >= 0.85:
		style = barMaxStyle
	case frac >= 0.6:
		style = barHotStyle
	}

	bar := style.Render(strings.Repeat("█", filled)) +
		faintStyle.Render(strings.Repeat("░", statusBarCells-filled))
	label := fmt.Sprintf(" %d/%d tokens", total, max)

	// keep the gauge on one line even in narrow terminals
	if runewidth.StringWidth(label)+statusBarCells > r.width {
		label = fmt.Sprintf(" %d", total)
	}
	fmt.Fprintln(r.out, bar+faintStyle.Render(label))
}
