package ai

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/suPer8Hu/growth-lab/internal/config"
)

// NewRegistryFromConfig registers every provider the configuration can reach
// and makes cfg.AIProvider the default.
func NewRegistryFromConfig(cfg config.Config, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	reg := NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		p := NewOllamaProvider(cfg.OllamaBaseURL, m)
		p.Logger = log.Named("ollama")
		return p, nil
	})

	if strings.TrimSpace(cfg.OpenRouterAPIKey) != "" {
		reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
			_ = ctx
			m := strings.TrimSpace(model)
			if m == "" {
				m = cfg.OpenRouterModel
			}
			p := NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName)
			p.Logger = log.Named("openrouter")
			return p, nil
		})
	}

	if cfg.AIProvider != "" {
		if err := reg.SetDefault(cfg.AIProvider); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
