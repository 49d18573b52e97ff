package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/MEKXH/tether/internal/mcp"
)

// Renderer turns markdown into terminal output.
type Renderer interface {
	Render(string) (string, error)
}

// Markdown is the glamour-backed Renderer used by the CLI.
type Markdown struct {
	tr *glamour.TermRenderer
}

func NewMarkdown(width int) (*Markdown, error) {
	if width <= 0 {
		width = 100
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &Markdown{tr: tr}, nil
}

func (m *Markdown) Render(content string) (string, error) {
	return m.tr.Render(content)
}

// ResponseParts renders a model response, splitting out any think block so
// the caller can display it dimmed or skip it.
func ResponseParts(content string, r Renderer) (think, main string, hasThink bool) {
	rawThink, rawMain, found := SplitThink(content)
	if found && rawThink != "" {
		if rendered, err := r.Render(rawThink); err == nil {
			think = strings.TrimSpace(rendered)
		} else {
			think = rawThink
		}
	}
	if rendered, err := r.Render(rawMain); err == nil {
		main = strings.TrimSpace(rendered)
	} else {
		main = rawMain
	}
	return think, main, found
}

var (
	styleReady    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleProgress = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleDown     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim      = lipgloss.NewStyle().Faint(true)
)

// ServerStatusLine formats one server status for terminal display.
func ServerStatusLine(status mcp.ServerStatus) string {
	var state string
	switch status.State {
	case mcp.StateReady:
		state = styleReady.Render("ready")
	case mcp.StateConnecting, mcp.StateHandshaking:
		state = styleProgress.Render(status.State.String())
	default:
		state = styleDown.Render("disconnected")
	}

	line := fmt.Sprintf("%-16s %-10s %s", status.ID, status.Transport, state)
	if status.State == mcp.StateReady {
		line += styleDim.Render(fmt.Sprintf("  %d tools", status.ToolCount))
	}
	if status.Message != "" {
		line += styleDim.Render("  " + status.Message)
	}
	return line
}
