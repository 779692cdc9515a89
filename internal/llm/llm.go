package llm

import (
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/ddanshin/marvin/internal/config"
)

// NewClient creates an OpenAI-compatible chat completion client. An
// empty BaseURL keeps the library default endpoint; a positive Timeout
// bounds every completion round trip.
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return openai.NewClientWithConfig(clientConfig)
}
