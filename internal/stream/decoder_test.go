package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// chunkReader hands out one chunk per Read call.
type chunkReader struct {
	chunks []string
	reads  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	r.reads++
	c := r.chunks[0]
	n := copy(p, c)
	if n < len(c) {
		r.chunks[0] = c[n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func deltaFrame(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]string{"content": content}}},
	})
	return "data: " + string(b) + "\n"
}

func decodeChunks(chunks ...string) ([]string, string, error) {
	var seen []string
	text, err := NewDecoder(SSE, nil, nil).Decode(context.Background(), &chunkReader{chunks: chunks}, func(u Update) {
		seen = append(seen, u.Text)
	})
	return seen, text, err
}

func splitAt(s string, idx ...int) []string {
	var out []string
	prev := 0
	for _, i := range idx {
		out = append(out, s[prev:i])
		prev = i
	}
	return append(out, s[prev:])
}

func bytewise(s string) []string {
	out := make([]string, 0, len(s))
	for i := 0; i < len(s); i++ {
		out = append(out, s[i:i+1])
	}
	return out
}

var _ = Describe("Decoder", func() {
	deltas := []string{"Hello", ", ", "wörld", " 世界", "!"}
	var body string

	BeforeEach(func() {
		var b strings.Builder
		b.WriteString(": keep-alive\n")
		for i, d := range deltas {
			b.WriteString(deltaFrame(d))
			if i%2 == 0 {
				b.WriteString("\n")
			}
		}
		b.WriteString("data: [DONE]\n")
		body = b.String()
	})

	Context("with a well-formed stream", func() {
		It("emits the accumulated text after every delta", func() {
			seen, text, err := decodeChunks(body)
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{
				"Hello",
				"Hello, ",
				"Hello, wörld",
				"Hello, wörld 世界",
				"Hello, wörld 世界!",
			}))
			Expect(text).To(Equal(strings.Join(deltas, "")))
		})

		It("produces the same text for every two-way split", func() {
			want := strings.Join(deltas, "")
			for i := 1; i < len(body); i++ {
				seen, text, err := decodeChunks(splitAt(body, i)...)
				Expect(err).NotTo(HaveOccurred(), "split at %d", i)
				Expect(text).To(Equal(want), "split at %d", i)
				Expect(seen).To(HaveLen(len(deltas)), "split at %d", i)
			}
		})

		It("keeps emissions prefix-monotonic when fed one byte at a time", func() {
			seen, text, err := decodeChunks(bytewise(body)...)
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(strings.Join(deltas, "")))
			for i := 1; i < len(seen); i++ {
				Expect(strings.HasPrefix(seen[i], seen[i-1])).To(BeTrue())
			}
		})

		It("reassembles a multi-byte character split across reads", func() {
			frame := deltaFrame("世")
			cut := strings.Index(frame, "世") + 1
			seen, _, err := decodeChunks(frame[:cut], frame[cut:])
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"世"}))
		})

		It("strips carriage returns", func() {
			seen, _, err := decodeChunks(strings.TrimSuffix(deltaFrame("hi"), "\n") + "\r\n" + "data: [DONE]\r\n")
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"hi"}))
		})
	})

	Context("with the [DONE] sentinel", func() {
		It("stops reading and ignores anything after it", func() {
			r := &chunkReader{chunks: []string{
				deltaFrame("a") + "data: [DONE]\n" + deltaFrame("b"),
				deltaFrame("c"),
			}}
			var seen []string
			text, err := NewDecoder(SSE, nil, nil).Decode(context.Background(), r, func(u Update) {
				seen = append(seen, u.Text)
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("a"))
			Expect(seen).To(Equal([]string{"a"}))
			Expect(r.reads).To(Equal(1))
		})
	})

	Context("with comments, blanks and other fields", func() {
		It("emits nothing for them", func() {
			seen, text, err := decodeChunks(
				": keep-alive\n\n",
				"event: message\nid: 7\nretry: 1000\n",
				deltaFrame("x"),
				"\n: ping\n\n",
				deltaFrame("y"),
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"x", "xy"}))
			Expect(text).To(Equal("xy"))
		})

		It("ignores frames without delta content", func() {
			seen, _, err := decodeChunks(
				`data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n",
				`data: {"choices":[]}`+"\n",
				`data: {"choices":[{"delta":{"content":""},"finish_reason":"stop"}]}`+"\n",
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(BeEmpty())
		})
	})

	Context("with frames split mid-JSON", func() {
		It("emits exactly once when the frame is completed by the next read", func() {
			seen, text, err := decodeChunks(
				`data: {"choi`,
				`ces":[{"delta":{"content":"hi"}}]}`+"\n",
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"hi"}))
			Expect(text).To(Equal("hi"))
		})

		It("defers a malformed line until the next read, then drops it", func() {
			r := &chunkReader{chunks: []string{
				"data: {\"choices\":[{\n" + deltaFrame("a"),
				deltaFrame("b"),
			}}
			var seen []string
			text, err := NewDecoder(SSE, nil, nil).Decode(context.Background(), r, func(u Update) {
				seen = append(seen, u.Text)
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"a", "ab"}))
			Expect(text).To(Equal("ab"))
		})

		It("parses a final frame that lacks a trailing newline", func() {
			seen, _, err := decodeChunks(strings.TrimSuffix(deltaFrame("tail"), "\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"tail"}))
		})

		It("silently drops a frame that never completes", func() {
			seen, text, err := decodeChunks(deltaFrame("ok"), `data: {"choices":[{"del`)
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"ok"}))
			Expect(text).To(Equal("ok"))
		})
	})

	Context("with an upstream error frame", func() {
		It("fails with ErrUpstream and keeps the text received so far", func() {
			_, text, err := decodeChunks(deltaFrame("par"), `data: {"error":{"message":"overloaded"}}`+"\n")
			Expect(errors.Is(err, ErrUpstream)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("overloaded"))
			Expect(text).To(Equal("par"))
		})
	})

	Context("with NDJSON framing", func() {
		It("reads Ollama chat lines until done", func() {
			r := &chunkReader{chunks: []string{
				`{"message":{"role":"assistant","content":"Hel"},"done":false}` + "\n" + `{"message":{"content":"lo"},"do`,
				`ne":false}` + "\n" + `{"message":{"content":""},"done":true}` + "\n",
				`{"message":{"content":"ignored"},"done":false}` + "\n",
			}}
			var seen []string
			text, err := NewDecoder(NDJSON, nil, nil).Decode(context.Background(), r, func(u Update) {
				seen = append(seen, u.Delta)
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]string{"Hel", "lo"}))
			Expect(text).To(Equal("Hello"))
		})
	})

	Context("with a cancelled context", func() {
		It("stops before reading", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			r := &chunkReader{chunks: []string{deltaFrame("a")}}
			_, err := NewDecoder(SSE, nil, nil).Decode(ctx, r, nil)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(r.reads).To(BeZero())
		})
	})
})
