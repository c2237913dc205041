package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// sseWriter writes Server-Sent Events frames and flushes after each one.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
	log     *zap.Logger
}

func newSSEWriter(c *gin.Context, log *zap.Logger) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: c.Writer, flusher: flusher, log: log}, true
}

// setupSSEHeaders commits a 200 event-stream response.
func setupSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
}

// Event writes an optional event name and a JSON data line.
func (s *sseWriter) Event(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal sse payload", zap.Error(err))
		// keep SSE framing intact
		b = []byte(`{"message":"json marshal failed"}`)
		event = "error"
	}
	if event != "" {
		fmt.Fprintf(s.w, "event: %s\n", event)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.flusher.Flush()
}

// Data writes a bare data line, e.g. "[DONE]".
func (s *sseWriter) Data(raw string) {
	fmt.Fprintf(s.w, "data: %s\n\n", raw)
	s.flusher.Flush()
}

// Comment writes a comment line that clients ignore.
func (s *sseWriter) Comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}
