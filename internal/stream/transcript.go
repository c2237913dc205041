package stream

import (
	"context"
	"maps"
	"sync"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// FailurePolicy decides what happens to the open assistant placeholder when
// its stream fails.
type FailurePolicy int

const (
	// KeepPartial removes the placeholder only if nothing was received.
	KeepPartial FailurePolicy = iota
	// DiscardPlaceholder always removes the placeholder.
	DiscardPlaceholder
)

// Transcript is an ordered conversation with at most one open assistant
// message, always the last one.
type Transcript struct {
	mu       sync.Mutex
	messages []ChatMessage
	open     bool
	policy   FailurePolicy
}

func NewTranscript(policy FailurePolicy, history ...ChatMessage) *Transcript {
	return &Transcript{
		messages: append([]ChatMessage(nil), history...),
		policy:   policy,
	}
}

// Messages returns a copy of the conversation.
func (t *Transcript) Messages() []ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ChatMessage(nil), t.messages...)
}

func (t *Transcript) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Begin appends the user message and an empty assistant placeholder. It
// returns the messages to send, which end with the user message.
func (t *Transcript) Begin(content string) ([]ChatMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return nil, ErrTurnInProgress
	}
	t.messages = append(t.messages, ChatMessage{Role: RoleUser, Content: content})
	prior := append([]ChatMessage(nil), t.messages...)
	t.messages = append(t.messages, ChatMessage{Role: RoleAssistant})
	t.open = true
	return prior, nil
}

// Replace sets the open placeholder's content to text and returns it.
func (t *Transcript) Replace(text string) ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ChatMessage{}
	}
	last := &t.messages[len(t.messages)-1]
	last.Content = text
	return *last
}

// Complete closes the open placeholder.
func (t *Transcript) Complete() {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
}

// Fail closes the open placeholder applying the failure policy.
func (t *Transcript) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return
	}
	t.open = false
	last := t.messages[len(t.messages)-1]
	if t.policy == DiscardPlaceholder || last.Content == "" {
		t.messages = t.messages[:len(t.messages)-1]
	}
}

// ChatRequest builds the request body {"messages": ..., ...extra}.
func ChatRequest(messages []ChatMessage, extra map[string]any) map[string]any {
	body := make(map[string]any, len(extra)+1)
	maps.Copy(body, extra)
	body["messages"] = messages
	return body
}

// Submit runs one user turn through s. onChange receives the open assistant
// message every time its content is replaced.
func (t *Transcript) Submit(ctx context.Context, s *Session, content string, extra map[string]any, onChange func(ChatMessage)) (string, error) {
	prior, err := t.Begin(content)
	if err != nil {
		return "", err
	}
	text, err := s.Run(ctx, ChatRequest(prior, extra), func(u Update) {
		msg := t.Replace(u.Text)
		if onChange != nil {
			onChange(msg)
		}
	})
	if err != nil {
		t.Fail()
		return text, err
	}
	t.Complete()
	return text, nil
}
