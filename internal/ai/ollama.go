package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/growth-lab/internal/stream"
)

// OllamaProvider talks to a local Ollama server. Its stream is newline
// delimited JSON rather than SSE.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
	Logger  *zap.Logger
}

type ollamaChatReq struct {
	Model    string               `json:"model"`
	Messages []stream.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type ollamaChatResp struct {
	Message stream.ChatMessage `json:"message"`
	Error   string             `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OllamaProvider) endpoint() string {
	return fmt.Sprintf("%s/api/chat", strings.TrimRight(p.BaseURL, "/"))
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Client == nil {
		return "", errors.New("ollama: http client is nil")
	}

	b, err := json.Marshal(ollamaChatReq{Model: p.Model, Messages: toChatMessages(messages)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := stream.CheckResponse(resp); err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat streams assistant content chunks.
// It returns immediately with two channels; both will be closed when streaming ends.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("ollama: http client is nil")
			return
		}
		client := *p.Client
		client.Timeout = 0

		sess := stream.New(stream.Config{
			Endpoint: p.endpoint(),
			Framing:  stream.NDJSON,
			Client:   &client,
			Logger:   p.Logger,
		})
		body := ollamaChatReq{Model: p.Model, Stream: true, Messages: toChatMessages(messages)}
		if _, err := sess.Run(ctx, body, func(u stream.Update) {
			sendDelta(ctx, chunks, u.Delta)
		}); err != nil {
			errs <- fmt.Errorf("ollama: %w", err)
		}
	}()

	return chunks, errs
}
