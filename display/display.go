// Package display renders the monitor's two line display.
package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
)

// Columns of the character display being mirrored (16x2)
const Columns = 16

const clearScreen = "\033[H\033[2J"

var (
	colorBorder = lipgloss.Color("62")
	colorText   = lipgloss.Color("51")
)

// Panel draws a bordered 16x2 panel to a terminal.
type Panel struct {
	out   io.Writer
	clear bool
	style lipgloss.Style
}

// NewPanel writes to out; with clear set every render first clears the
// terminal, like the character display does.
func NewPanel(out io.Writer, clear bool) *Panel {
	return &Panel{
		out:   out,
		clear: clear,
		style: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Foreground(colorText).
			Padding(0, 1),
	}
}

func (p *Panel) Show(line1, line2 string) error {
	body := lipgloss.JoinVertical(lipgloss.Left, fit(line1), fit(line2))
	frame := p.style.Render(body)
	if p.clear {
		frame = clearScreen + frame
	}
	_, err := fmt.Fprintln(p.out, frame)
	return err
}

// fit truncates or pads s to exactly Columns runes.
func fit(s string) string {
	r := []rune(s)
	if len(r) > Columns {
		return string(r[:Columns])
	}
	return s + strings.Repeat(" ", Columns-len(r))
}

// LogSink writes display content to the log, for headless devices.
type LogSink struct{}

func (LogSink) Show(line1, line2 string) error {
	log.Info().Str("line1", line1).Str("line2", line2).Msg("Display")
	return nil
}
