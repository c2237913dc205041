package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Transcript", func() {
	var srv *httptest.Server

	AfterEach(func() {
		if srv != nil {
			srv.Close()
			srv = nil
		}
	})

	It("replaces the placeholder content on every delta", func() {
		srv = chunkedServer(nil, http.StatusOK, deltaFrame("Draft "), deltaFrame("a pitch"), "data: [DONE]\n")
		t := NewTranscript(KeepPartial, ChatMessage{Role: RoleAssistant, Content: "How can I help?"})

		var rendered []string
		text, err := t.Submit(context.Background(), New(Config{Endpoint: srv.URL}), "Help me pitch", nil, func(m ChatMessage) {
			Expect(m.Role).To(Equal(RoleAssistant))
			rendered = append(rendered, m.Content)
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal("Draft a pitch"))
		Expect(rendered).To(Equal([]string{"Draft ", "Draft a pitch"}))
		Expect(t.Open()).To(BeFalse())
		Expect(t.Messages()).To(Equal([]ChatMessage{
			{Role: RoleAssistant, Content: "How can I help?"},
			{Role: RoleUser, Content: "Help me pitch"},
			{Role: RoleAssistant, Content: "Draft a pitch"},
		}))
	})

	It("sends prior messages without the placeholder", func() {
		got := &captured{}
		srv = chunkedServer(got, http.StatusOK, "data: [DONE]\n")
		t := NewTranscript(KeepPartial)
		_, err := t.Submit(context.Background(), New(Config{Endpoint: srv.URL}), "first", map[string]any{"model_title": "Client Mapping"}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.body["messages"]).To(HaveLen(1))
		Expect(got.body).To(HaveKeyWithValue("model_title", "Client Mapping"))
	})

	Context("when the request fails", func() {
		It("removes the empty placeholder by default", func() {
			srv = chunkedServer(nil, http.StatusTooManyRequests, `{"error":"Rate limit exceeded"}`)
			t := NewTranscript(KeepPartial)
			calls := 0
			_, err := t.Submit(context.Background(), New(Config{Endpoint: srv.URL}), "hi", nil, func(ChatMessage) { calls++ })
			Expect(errors.Is(err, ErrRateLimited)).To(BeTrue())
			Expect(calls).To(BeZero())
			Expect(t.Messages()).To(Equal([]ChatMessage{{Role: RoleUser, Content: "hi"}}))
			Expect(t.Open()).To(BeFalse())
		})
	})

	Context("when the stream fails part way", func() {
		body := []string{deltaFrame("partial"), `data: {"error":"upstream died"}` + "\n"}

		It("keeps the partial reply under KeepPartial", func() {
			srv = chunkedServer(nil, http.StatusOK, body...)
			t := NewTranscript(KeepPartial)
			_, err := t.Submit(context.Background(), New(Config{Endpoint: srv.URL}), "hi", nil, nil)
			Expect(errors.Is(err, ErrUpstream)).To(BeTrue())
			Expect(t.Messages()).To(Equal([]ChatMessage{
				{Role: RoleUser, Content: "hi"},
				{Role: RoleAssistant, Content: "partial"},
			}))
		})

		It("drops it under DiscardPlaceholder", func() {
			srv = chunkedServer(nil, http.StatusOK, body...)
			t := NewTranscript(DiscardPlaceholder)
			_, err := t.Submit(context.Background(), New(Config{Endpoint: srv.URL}), "hi", nil, nil)
			Expect(err).To(HaveOccurred())
			Expect(t.Messages()).To(Equal([]ChatMessage{{Role: RoleUser, Content: "hi"}}))
		})
	})

	It("rejects a new turn while a reply is open", func() {
		t := NewTranscript(KeepPartial)
		_, err := t.Begin("one")
		Expect(err).NotTo(HaveOccurred())
		_, err = t.Begin("two")
		Expect(err).To(MatchError(ErrTurnInProgress))

		t.Replace("answer")
		t.Complete()
		prior, err := t.Begin("two")
		Expect(err).NotTo(HaveOccurred())
		Expect(prior).To(HaveLen(3))
	})

	It("lets the messages key win over extra fields", func() {
		body := ChatRequest([]ChatMessage{{Role: RoleUser, Content: "x"}}, map[string]any{"messages": "nope", "k": 1})
		Expect(body["messages"]).To(Equal([]ChatMessage{{Role: RoleUser, Content: "x"}}))
		Expect(body["k"]).To(Equal(1))
	})
})
