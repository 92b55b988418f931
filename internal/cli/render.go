package cli

import (
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

type Renderer interface {
	Render(markdown string) string
}

type plainRenderer struct{}

func (plainRenderer) Render(markdown string) string {
	return strings.TrimRight(markdown, "\n") + "\n"
}

type glamourRenderer struct {
	tr *glamour.TermRenderer
}

func (g glamourRenderer) Render(markdown string) string {
	out, err := g.tr.Render(markdown)
	if err != nil {
		return plainRenderer{}.Render(markdown)
	}
	return out
}

// NewRenderer renders markdown with glamour when out is a terminal and
// falls back to plain text otherwise. wrap <= 0 uses the terminal width.
func NewRenderer(out *os.File, wrap int) Renderer {
	fd := int(out.Fd())
	if !term.IsTerminal(fd) {
		return plainRenderer{}
	}
	if wrap <= 0 {
		wrap = 80
		if w, _, err := term.GetSize(fd); err == nil && w > 20 {
			wrap = w - 4
		}
	}
	tr, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(wrap))
	if err != nil {
		return plainRenderer{}
	}
	return glamourRenderer{tr: tr}
}
