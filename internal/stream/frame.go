package stream

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Framing selects how lines of the response body carry payloads.
type Framing int

const (
	// SSE expects "data: <json>" lines and a "data: [DONE]" terminator.
	SSE Framing = iota
	// NDJSON expects one JSON object per line (Ollama style).
	NDJSON
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

func (f Framing) String() string {
	if f == NDJSON {
		return "ndjson"
	}
	return "sse"
}

// payload reports the payload carried by line, or false when the line is
// not a frame (blank, comment, other SSE field).
func (f Framing) payload(line string) (string, bool) {
	if f == NDJSON {
		p := strings.TrimSpace(line)
		return p, p != ""
	}
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(dataPrefix):]), true
}

// Frame is what an Extractor finds in one payload.
type Frame struct {
	// Content is the incremental text; empty frames emit nothing.
	Content string
	// Done ends the stream successfully (NDJSON streams signal it in-band).
	Done bool
	// Err is an error reported by the upstream inside the stream.
	Err string
}

// Extractor parses one payload. It must return ErrMalformedFrame when the
// payload is not (yet) valid JSON.
type Extractor func(payload string) (Frame, error)

// OpenAIChat extracts choices[0].delta.content from chat-completion chunks.
func OpenAIChat(payload string) (Frame, error) {
	if !gjson.Valid(payload) {
		return Frame{}, ErrMalformedFrame
	}
	res := gjson.Parse(payload)
	if msg := messageOf(res.Get("error")); msg != "" {
		return Frame{Err: msg}, nil
	}
	return Frame{Content: res.Get("choices.0.delta.content").String()}, nil
}

// OllamaChat extracts message.content from Ollama /api/chat stream lines.
func OllamaChat(payload string) (Frame, error) {
	if !gjson.Valid(payload) {
		return Frame{}, ErrMalformedFrame
	}
	res := gjson.Parse(payload)
	if msg := messageOf(res.Get("error")); msg != "" {
		return Frame{Err: msg}, nil
	}
	return Frame{
		Content: res.Get("message.content").String(),
		Done:    res.Get("done").Bool(),
	}, nil
}
