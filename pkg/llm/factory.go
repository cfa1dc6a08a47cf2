package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/config"
)

// NewFromConfig builds the configured LLM client. Returns (nil, nil) when
// no provider is configured; callers treat a nil client as "template-only
// synthesis".
func NewFromConfig(cfg *config.AIConfig, logger *zap.Logger) (LLMClient, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		return NewClient(&Config{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
		}, logger)
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.Model, logger)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}
