package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when the stream ends; errs carries at most one error.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Collect drains a StreamChat pair into the full reply.
func Collect(chunks <-chan string, errs <-chan error) (string, error) {
	var reply []byte
	for c := range chunks {
		reply = append(reply, c...)
	}
	if err := <-errs; err != nil {
		return string(reply), err
	}
	return string(reply), nil
}

// sendDelta forwards one delta unless the consumer has gone away.
func sendDelta(ctx context.Context, chunks chan<- string, delta string) {
	select {
	case chunks <- delta:
	case <-ctx.Done():
	}
}
