package ai

import (
	"context"

	"github.com/suPer8Hu/growth-lab/internal/stream"
)

// Message is one turn handed to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider produces a complete assistant reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

func toChatMessages(messages []Message) []stream.ChatMessage {
	out := make([]stream.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, stream.ChatMessage{Role: stream.Role(m.Role), Content: m.Content})
	}
	return out
}
