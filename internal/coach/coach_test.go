package coach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordedRequest struct {
	auth string
	body map[string]any
}

// completionsServer answers each POST with the next handler in turns.
type completionsServer struct {
	*httptest.Server

	mu       sync.Mutex
	turns    []http.HandlerFunc
	requests []recordedRequest
}

func newCompletionsServer(turns ...http.HandlerFunc) *completionsServer {
	s := &completionsServer{turns: turns}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer GinkgoRecover()
		Expect(r.URL.Path).To(Equal("/chat/completions"))

		var body map[string]any
		Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())

		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{auth: r.Header.Get("Authorization"), body: body})
		next := s.turns[0]
		s.turns = s.turns[1:]
		s.mu.Unlock()

		next(w, r)
	}))
	return s
}

func (s *completionsServer) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func sseReply(parts ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, p := range parts {
			_, _ = io.WriteString(w, p)
			f.Flush()
		}
	}
}

func statusReply(code int, msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
	}
}

func delta(s string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", s)
}

// lockedBuffer is written by the chat loop while the test polls it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCommander(endpoint, input string) (*chatCommander, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &chatCommander{
		endpoint: endpoint,
		token:    "tok",
		mode:     "plain",
		width:    80,
		in:       strings.NewReader(input),
		out:      &out,
		errOut:   &errOut,
	}, &out, &errOut
}

var _ = Describe("NewCoachCmd", func() {
	It("has login and chat subcommands", func() {
		cmd := NewCoachCmd()
		names := []string{}
		for _, c := range cmd.Commands() {
			names = append(names, c.Name())
		}
		Expect(names).To(ContainElements("login", "chat"))
		Expect(cmd.PersistentFlags().Lookup("endpoint")).NotTo(BeNil())
	})

	It("defaults chat rendering to plain", func() {
		flag := NewChatCmd().Flags().Lookup("render")
		Expect(flag).NotTo(BeNil())
		Expect(flag.DefValue).To(Equal("plain"))
	})
})

var _ = Describe("chat", func() {
	It("streams a reply split across frames and keeps the conversation", func() {
		srv := newCompletionsServer(
			sseReply(delta("Start"), "data: {\"choices\":[{\"de", "lta\":{\"content\":\" small.\"}}]}\n\n", "data: [DONE]\n\n"),
			sseReply(delta("Yes."), "data: [DONE]\n\n"),
		)
		defer srv.Close()

		cmder, out, errOut := newCommander(srv.URL, "How do I start?\nReally?\n/exit\n")
		cmder.context = map[string]string{"workbook": "Referrals"}
		Expect(cmder.run(context.Background())).To(Succeed())

		Expect(out.String()).To(ContainSubstring("coach> Start small.\n"))
		Expect(out.String()).To(ContainSubstring("coach> Yes.\n"))
		Expect(errOut.String()).To(BeEmpty())

		reqs := srv.recorded()
		Expect(reqs).To(HaveLen(2))
		Expect(reqs[0].auth).To(Equal("Bearer tok"))
		Expect(reqs[0].body["context"]).To(Equal(map[string]any{"workbook": "Referrals"}))

		second := reqs[1].body["messages"].([]any)
		Expect(second).To(HaveLen(3))
		Expect(second[1]).To(Equal(map[string]any{"role": "assistant", "content": "Start small."}))
	})

	It("prints one notice on 429 and accepts the next message", func() {
		srv := newCompletionsServer(
			statusReply(http.StatusTooManyRequests, "Rate limit exceeded"),
			sseReply(delta("ok"), "data: [DONE]\n\n"),
		)
		defer srv.Close()

		cmder, out, errOut := newCommander(srv.URL, "one\ntwo\n")
		Expect(cmder.run(context.Background())).To(Succeed())

		Expect(errOut.String()).To(Equal("  ! Rate limit exceeded\n"))
		Expect(out.String()).To(ContainSubstring("coach> ok\n"))

		// the failed turn left no assistant message behind
		second := srv.recorded()[1].body["messages"].([]any)
		Expect(second).To(HaveLen(2))
		Expect(second[0]).To(Equal(map[string]any{"role": "user", "content": "one"}))
	})

	It("shows the quota message on 402", func() {
		srv := newCompletionsServer(statusReply(http.StatusPaymentRequired, "AI credits exhausted"))
		defer srv.Close()

		cmder, _, errOut := newCommander(srv.URL, "hi\n")
		Expect(cmder.run(context.Background())).To(Succeed())
		Expect(errOut.String()).To(Equal("  ! AI credits exhausted\n"))
	})

	It("cancels the streaming turn on interrupt", func() {
		srv := newCompletionsServer(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, delta("Thinking"))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		})
		defer srv.Close()

		cmder, _, errOut := newCommander(srv.URL, "hi\n")
		out := &lockedBuffer{}
		cmder.out = out
		interrupts := make(chan os.Signal, 1)
		cmder.interrupts = interrupts

		// interrupt once the first delta is on screen
		go func() {
			defer GinkgoRecover()
			Eventually(out.String).WithTimeout(5 * time.Second).Should(ContainSubstring("coach> Thinking"))
			interrupts <- os.Interrupt
		}()

		Expect(cmder.run(context.Background())).To(Succeed())

		Expect(out.String()).To(ContainSubstring("coach> Thinking\n"))
		Expect(errOut.String()).To(Equal("  ! Request cancelled.\n"))
	})

	It("requires a token", func() {
		cmder, _, _ := newCommander("http://127.0.0.1:1", "")
		cmder.token = ""
		Expect(cmder.run(context.Background())).To(MatchError(ContainSubstring("no token")))
	})
})

var _ = Describe("login", func() {
	It("prints the token from the envelope", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.URL.Path).To(Equal("/login"))
			_, _ = io.WriteString(w, `{"code":0,"message":"ok","data":{"token":"jwt-123"}}`)
		}))
		defer srv.Close()

		var out bytes.Buffer
		cmder := &loginCommander{endpoint: srv.URL, email: "a@b.c", in: strings.NewReader("secret\n"), out: &out}
		Expect(cmder.run(context.Background())).To(Succeed())
		Expect(out.String()).To(HaveSuffix("export COACH_TOKEN=jwt-123\n"))
	})

	It("surfaces the server message on failure", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"code":40103,"message":"invalid email or password","data":null}`)
		}))
		defer srv.Close()

		_, err := login(context.Background(), srv.URL, "a@b.c", "nope")
		Expect(err).To(MatchError(ContainSubstring("invalid email or password")))
	})
})
