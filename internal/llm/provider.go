package llm

import (
	"fmt"
	"strings"
)

const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Providers lists the supported provider names.
var Providers = []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic}

// NewAnalyzer creates the analyzer for provider. An empty model selects the
// provider default.
func NewAnalyzer(provider, model string) (Analyzer, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderGemini:
		return NewGeminiAnalyzer(model), nil
	case ProviderOpenAI:
		return NewOpenAIAnalyzer(model), nil
	case ProviderAnthropic:
		return NewAnthropicAnalyzer(model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (use %s)", provider, strings.Join(Providers, ", "))
	}
}

// CredentialEnv returns the environment variable holding provider's API key.
func CredentialEnv(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return OpenAIAPIKeyEnv
	case ProviderAnthropic:
		return AnthropicAPIKeyEnv
	default:
		return GeminiAPIKeyEnv
	}
}
