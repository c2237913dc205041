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

// OpenRouterProvider talks to an OpenAI-compatible chat completions gateway.
type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
	Logger  *zap.Logger
}

type openRouterChatReq struct {
	Model    string               `json:"model"`
	Messages []stream.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message stream.ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenRouterProvider) endpoint() string {
	return fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
}

func (p *OpenRouterProvider) headers() http.Header {
	h := http.Header{}
	if p.SiteURL != "" {
		h.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		h.Set("X-Title", p.AppName)
	}
	return h
}

func (p *OpenRouterProvider) validate() (string, error) {
	if p.Client == nil {
		return "", errors.New("openrouter: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return "", errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return "", errors.New("openrouter: model is required")
	}
	return model, nil
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	model, err := p.validate()
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(openRouterChatReq{Model: model, Messages: toChatMessages(messages)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header = p.headers()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := stream.CheckResponse(resp); err != nil {
		return "", fmt.Errorf("openrouter: %w", err)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openrouter: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content chunks via SSE.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		model, err := p.validate()
		if err != nil {
			errs <- err
			return
		}

		// no global timeout while streaming; ctx controls it
		client := *p.Client
		client.Timeout = 0

		sess := stream.New(stream.Config{
			Endpoint:  p.endpoint(),
			AuthToken: p.APIKey,
			Header:    p.headers(),
			Client:    &client,
			Logger:    p.Logger,
		})
		body := openRouterChatReq{Model: model, Stream: true, Messages: toChatMessages(messages)}
		if _, err := sess.Run(ctx, body, func(u stream.Update) {
			sendDelta(ctx, chunks, u.Delta)
		}); err != nil {
			errs <- fmt.Errorf("openrouter: %w", err)
		}
	}()

	return chunks, errs
}
