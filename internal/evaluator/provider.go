package evaluator

import (
	"fmt"
	"time"
)

// ProviderConfig selects and configures the provider variants.
type ProviderConfig struct {
	OpenAI     OpenAIConfig
	Perplexity PerplexityConfig
	Static     Static
	Timeout    time.Duration
}

// NewProvider builds the provider registered under name.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	switch name {
	case "perplexity":
		pc := cfg.Perplexity
		if pc.Timeout <= 0 {
			pc.Timeout = cfg.Timeout
		}
		return NewPerplexity(pc)
	case "openai":
		return NewOpenAI(cfg.OpenAI)
	case "static":
		s := cfg.Static
		return &s, nil
	default:
		return nil, fmt.Errorf("unknown evaluator provider %q", name)
	}
}
