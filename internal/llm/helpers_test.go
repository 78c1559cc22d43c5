package llm

import "github.com/maice/maice/internal/common/config"

func configFor(provider string) config.LLMConfig {
	return config.LLMConfig{
		Provider:   provider,
		Model:      "test-model",
		APIKey:     "test-key",
		MaxRetries: 2,
	}
}
