package provider

import (
	"fmt"
	"os"
	"strings"

	"github.com/codefionn/schmiede/internal/llm"
)

// New returns a client for the named provider. An empty API key falls
// back to the provider's conventional environment variable.
func New(name, apiKey, model string) (llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "anthropic", "":
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return NewAnthropicClient(apiKey, model)
	case "openai":
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAIClient(apiKey, model)
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: anthropic, openai)", name)
	}
}
