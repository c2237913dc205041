package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type captured struct {
	auth        string
	contentType string
	body        map[string]any
}

// chunkedServer writes each chunk and flushes it before writing the next.
func chunkedServer(got *captured, status int, chunks ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			got.auth = r.Header.Get("Authorization")
			got.contentType = r.Header.Get("Content-Type")
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &got.body)
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			for _, c := range chunks {
				_, _ = io.WriteString(w, c)
			}
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			flusher.Flush()
		}
	}))
}

var _ = Describe("Session", func() {
	var (
		srv *httptest.Server
		got *captured
	)

	BeforeEach(func() {
		got = &captured{}
	})

	AfterEach(func() {
		if srv != nil {
			srv.Close()
			srv = nil
		}
	})

	It("posts the messages with bearer auth and streams the reply", func() {
		frame := deltaFrame("Hi there")
		srv = chunkedServer(got, http.StatusOK, ": keep-alive\n", frame[:9], frame[9:], "data: [DONE]\n")
		s := New(Config{Endpoint: srv.URL, AuthToken: "tok-123"})
		Expect(s.State()).To(Equal(StateIdle))

		var seen []string
		text, err := s.Run(context.Background(), ChatRequest([]ChatMessage{{Role: RoleUser, Content: "Hello"}}, map[string]any{"field": "pipeline"}), func(u Update) {
			seen = append(seen, u.Text)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal("Hi there"))
		Expect(seen).To(Equal([]string{"Hi there"}))
		Expect(s.State()).To(Equal(StateCompleted))

		Expect(got.auth).To(Equal("Bearer tok-123"))
		Expect(got.contentType).To(Equal("application/json"))
		Expect(got.body).To(HaveKeyWithValue("field", "pipeline"))
		Expect(got.body["messages"]).To(Equal([]any{map[string]any{"role": "user", "content": "Hello"}}))
	})

	It("surfaces a 429 once without emitting deltas", func() {
		srv = chunkedServer(nil, http.StatusTooManyRequests, `{"error":"Rate limit exceeded"}`)
		s := New(Config{Endpoint: srv.URL})

		calls := 0
		_, err := s.Run(context.Background(), ChatRequest(nil, nil), func(Update) { calls++ })
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, ErrRateLimited)).To(BeTrue())
		Expect(UserMessage(err)).To(Equal("Rate limit exceeded"))
		Expect(calls).To(BeZero())
		Expect(s.State()).To(Equal(StateFailed))
	})

	It("distinguishes 402 from other failures", func() {
		srv = chunkedServer(nil, http.StatusPaymentRequired, `{"error":{"message":"Payment required"}}`)
		_, err := New(Config{Endpoint: srv.URL}).Run(context.Background(), ChatRequest(nil, nil), nil)
		Expect(errors.Is(err, ErrQuotaExceeded)).To(BeTrue())
		Expect(errors.Is(err, ErrRateLimited)).To(BeFalse())
		Expect(UserMessage(err)).To(Equal("Payment required"))

		var se *StatusError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.StatusCode).To(Equal(http.StatusPaymentRequired))
	})

	It("matches status errors by status code only", func() {
		err := fmt.Errorf("turn: %w", &StatusError{StatusCode: http.StatusBadGateway})
		Expect(errors.Is(err, &StatusError{StatusCode: http.StatusBadGateway})).To(BeTrue())
		Expect(errors.Is(err, &StatusError{StatusCode: http.StatusInternalServerError})).To(BeFalse())
		Expect(errors.Is(err, ErrQuotaExceeded)).To(BeFalse())
	})

	It("uses a generic message for other statuses without a body", func() {
		srv = chunkedServer(nil, http.StatusBadGateway)
		_, err := New(Config{Endpoint: srv.URL}).Run(context.Background(), ChatRequest(nil, nil), nil)
		Expect(errors.Is(err, ErrRateLimited)).To(BeFalse())
		Expect(UserMessage(err)).To(ContainSubstring("Something went wrong"))
	})

	It("reports transport errors", func() {
		srv = chunkedServer(nil, http.StatusOK)
		url := srv.URL
		srv.Close()
		srv = nil

		s := New(Config{Endpoint: url})
		_, err := s.Run(context.Background(), ChatRequest(nil, nil), nil)
		Expect(err).To(HaveOccurred())
		Expect(s.State()).To(Equal(StateFailed))
	})

	It("cannot be run twice", func() {
		srv = chunkedServer(nil, http.StatusOK, "data: [DONE]\n")
		s := New(Config{Endpoint: srv.URL})
		_, err := s.Run(context.Background(), ChatRequest(nil, nil), nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = s.Run(context.Background(), ChatRequest(nil, nil), nil)
		Expect(err).To(MatchError(ErrClosed))
	})

	It("ends in the cancelled state when the context is cancelled mid-stream", func() {
		release := make(chan struct{})
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, deltaFrame("part"))
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-release:
			}
		}))
		defer close(release)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := New(Config{Endpoint: srv.URL})
		text, err := s.Run(ctx, ChatRequest(nil, nil), func(Update) { cancel() })
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		Expect(text).To(Equal("part"))
		Expect(s.State()).To(Equal(StateCancelled))
	})

	It("sends extra headers", func() {
		var referer string
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			referer = r.Header.Get("HTTP-Referer")
			_, _ = io.WriteString(w, "data: [DONE]\n")
		}))
		h := http.Header{}
		h.Set("HTTP-Referer", "https://growthlab.example")
		_, err := New(Config{Endpoint: srv.URL, Header: h}).Run(context.Background(), ChatRequest(nil, nil), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(referer).To(Equal("https://growthlab.example"))
	})
})
