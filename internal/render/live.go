package render

import (
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
)

// Live prints a reply while it streams. It writes the prompt, then updates
// print only the new suffix of the accumulated text; Finish replaces the raw
// text with the rendered reply unless the renderer is Plain.
type Live struct {
	w       io.Writer
	out     *termenv.Output
	r       Renderer
	prompt  string
	cols    int
	printed string
	// screen is everything written since the prompt, prompt included.
	screen strings.Builder
}

// NewLive writes prompt to w. cols is the terminal width used to count
// soft-wrapped rows; 0 means lines never wrap.
func NewLive(w io.Writer, r Renderer, prompt string, cols int) *Live {
	if r == nil {
		r = Plain{}
	}
	l := &Live{w: w, out: termenv.NewOutput(w), r: r, prompt: prompt, cols: cols}
	l.write(prompt)
	return l
}

func (l *Live) write(s string) {
	_, _ = io.WriteString(l.w, s)
	l.screen.WriteString(s)
}

// Update shows the accumulated text.
func (l *Live) Update(text string) {
	if strings.HasPrefix(text, l.printed) {
		l.write(text[len(l.printed):])
	} else {
		l.write("\n" + text)
	}
	l.printed = text
}

// Finish ends the reply. With a failed stream (partial text) the raw text
// stays on screen.
func (l *Live) Finish(text string, ok bool) error {
	defer func() {
		l.printed = ""
		l.screen.Reset()
	}()

	if _, plain := l.r.(Plain); plain || !ok || text == "" {
		if l.printed != "" {
			_, _ = io.WriteString(l.w, "\n")
		}
		return nil
	}

	rendered, err := l.r.Render(text)
	if err != nil {
		_, _ = io.WriteString(l.w, "\n")
		return err
	}
	// ClearLines erases the current row plus n rows above it.
	l.out.ClearLines(rows(l.screen.String(), l.cols) - 1)
	_, _ = io.WriteString(l.w, "\r"+l.prompt+strings.Trim(rendered, "\n")+"\n")
	return nil
}

// rows is the number of terminal rows s occupies when printed from column 0.
func rows(s string, cols int) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		w := ansi.StringWidth(line)
		if cols <= 0 || w <= cols {
			n++
			continue
		}
		n += (w + cols - 1) / cols
	}
	return n
}
