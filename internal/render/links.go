package render

import (
	"io"
	"os"
	"regexp"

	"github.com/muesli/termenv"
)

var (
	mdLink  = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	bareURL = regexp.MustCompile(`https?://[^\s<>()\[\]]+[^\s<>()\[\].,;:!?'"]`)
)

// Links keeps the text as is but turns markdown links and bare URLs into
// terminal hyperlinks (OSC 8).
type Links struct {
	out *termenv.Output
}

// NewLinks writes for w; nil means stdout.
func NewLinks(w io.Writer) *Links {
	if w == nil {
		w = os.Stdout
	}
	return &Links{out: termenv.NewOutput(w)}
}

func (l *Links) Render(text string) (string, error) {
	var b []byte
	last := 0
	for _, m := range mdLink.FindAllStringSubmatchIndex(text, -1) {
		b = append(b, l.bare(text[last:m[0]])...)
		name, url := text[m[2]:m[3]], text[m[4]:m[5]]
		b = append(b, l.out.Hyperlink(url, name)...)
		last = m[1]
	}
	b = append(b, l.bare(text[last:])...)
	return string(b), nil
}

func (l *Links) bare(s string) string {
	return bareURL.ReplaceAllStringFunc(s, func(u string) string {
		return l.out.Hyperlink(u, u)
	})
}
