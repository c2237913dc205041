package render

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
)

// Options configures the markdown renderer.
type Options struct {
	// Width is the word wrap column (default: 80).
	Width int
	// Style is a glamour style name ("dark", "light", "notty") or a JSON path.
	Style string
}

func DefaultOptions() Options {
	return Options{Width: 80, Style: "dark"}
}

func (o Options) WithWidth(width int) Options {
	if width > 0 {
		o.Width = width
	}
	return o
}

func (o Options) WithStyle(style string) Options {
	o.Style = style
	return o
}

// Markdown renders bold, italics, bullets and links with glamour.
type Markdown struct {
	// glamour.TermRenderer is not safe for concurrent Render calls
	mu sync.Mutex
	tr *glamour.TermRenderer
}

func NewMarkdown(opts Options) (*Markdown, error) {
	tr, err := glamour.NewTermRenderer(
		glamour.WithStylePath(opts.Style),
		glamour.WithWordWrap(opts.Width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return nil, err
	}
	return &Markdown{tr: tr}, nil
}

func (m *Markdown) Render(text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := m.tr.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n") + "\n", nil
}
