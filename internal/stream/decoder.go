package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const readChunkSize = 4 * 1024

// Update is delivered to the caller once per non-empty delta.
type Update struct {
	// Delta is the fragment carried by the frame.
	Delta string
	// Text is the accumulated assistant text including Delta.
	Text string
}

// lineBuffer holds decoded text that has not been cut into lines yet.
// After every drain it contains at most one partial line, plus a deferred
// line pushed back in front of it.
type lineBuffer struct {
	pending string
}

func (b *lineBuffer) write(s string) { b.pending += s }

func (b *lineBuffer) next() (string, bool) {
	i := strings.IndexByte(b.pending, '\n')
	if i < 0 {
		return "", false
	}
	line := b.pending[:i]
	b.pending = b.pending[i+1:]
	return strings.TrimSuffix(line, "\r"), true
}

func (b *lineBuffer) unread(line string) { b.pending = line + "\n" + b.pending }

func (b *lineBuffer) rest() string {
	r := strings.TrimSuffix(b.pending, "\r")
	b.pending = ""
	return r
}

// Decoder turns a byte stream of frames into accumulated assistant text.
// A Decoder consumes exactly one stream.
type Decoder struct {
	framing Framing
	extract Extractor
	log     *zap.Logger

	buf      lineBuffer
	deferred string
	text     strings.Builder
}

// NewDecoder returns a Decoder for the given framing. A nil extractor picks
// the default for the framing.
func NewDecoder(framing Framing, extract Extractor, log *zap.Logger) *Decoder {
	if extract == nil {
		extract = OpenAIChat
		if framing == NDJSON {
			extract = OllamaChat
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{framing: framing, extract: extract, log: log}
}

// Decode reads r until end of stream or the terminal frame, calling fn for
// every non-empty delta in frame order. It returns the accumulated text,
// which is also returned alongside any error.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, fn func(Update)) (string, error) {
	src := transform.NewReader(r, unicode.UTF8.NewDecoder())
	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return d.text.String(), err
		}

		n, err := src.Read(chunk)
		if n > 0 {
			d.buf.write(string(chunk[:n]))
			done, perr := d.drain(fn, false)
			if perr != nil {
				return d.text.String(), perr
			}
			if done {
				return d.text.String(), nil
			}
		}

		if errors.Is(err, io.EOF) {
			return d.text.String(), d.finish(fn)
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return d.text.String(), cerr
			}
			return d.text.String(), fmt.Errorf("read stream: %w", err)
		}
	}
}

// drain processes every complete line in the buffer. A line whose payload
// does not parse is pushed back and draining stops until the next read;
// if the same line still fails on the following pass it is dropped so that
// it cannot stall the frames behind it.
func (d *Decoder) drain(fn func(Update), final bool) (bool, error) {
	for {
		line, ok := d.buf.next()
		if !ok {
			return false, nil
		}
		done, err := d.handle(line, fn)
		if errors.Is(err, ErrMalformedFrame) {
			if final || line == d.deferred {
				d.log.Debug("dropping malformed frame", zap.Int("bytes", len(line)))
				d.deferred = ""
				continue
			}
			d.deferred = line
			d.buf.unread(line)
			return false, nil
		}
		if err != nil || done {
			return done, err
		}
	}
}

// finish handles what is left once the stream ended: deferred lines and a
// final frame that was not newline-terminated.
func (d *Decoder) finish(fn func(Update)) error {
	if _, err := d.drain(fn, true); err != nil {
		return err
	}
	last := d.buf.rest()
	if last == "" {
		return nil
	}
	_, err := d.handle(last, fn)
	if errors.Is(err, ErrMalformedFrame) {
		d.log.Debug("dropping incomplete trailing frame", zap.Int("bytes", len(last)))
		return nil
	}
	return err
}

func (d *Decoder) handle(line string, fn func(Update)) (bool, error) {
	payload, ok := d.framing.payload(line)
	if !ok {
		return false, nil
	}
	if d.framing == SSE && payload == doneSentinel {
		return true, nil
	}

	frame, err := d.extract(payload)
	if err != nil {
		return false, err
	}
	d.deferred = ""
	if frame.Err != "" {
		return false, fmt.Errorf("%w: %s", ErrUpstream, frame.Err)
	}
	if frame.Content != "" {
		d.text.WriteString(frame.Content)
		if fn != nil {
			fn(Update{Delta: frame.Content, Text: d.text.String()})
		}
	}
	return frame.Done, nil
}
