// Package render turns accumulated assistant text into terminal output.
package render

import (
	"fmt"
	"io"
	"strings"
)

// Renderer formats a complete (or partial) assistant reply.
type Renderer interface {
	Render(text string) (string, error)
}

type Mode string

const (
	ModePlain    Mode = "plain"
	ModeMarkdown Mode = "markdown"
	ModeLinks    Mode = "links"
)

// New returns the renderer for mode. width applies to markdown wrapping and
// w is the terminal the output is meant for.
func New(mode string, width int, w io.Writer) (Renderer, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(mode))) {
	case ModePlain, "":
		return Plain{}, nil
	case ModeMarkdown:
		return NewMarkdown(DefaultOptions().WithWidth(width))
	case ModeLinks:
		return NewLinks(w), nil
	}
	return nil, fmt.Errorf("unknown render mode %q (want plain, markdown or links)", mode)
}

// Plain prints text as received.
type Plain struct{}

func (Plain) Render(text string) (string, error) { return text, nil }
