package embed

import (
	"fmt"
	"net/http"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
)

// ProviderConfig selects and configures one backend.
type ProviderConfig struct {
	Provider  string
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
	Timeout   time.Duration
}

// NewProvider builds the backend named by cfg.Provider: ollama, hf or hash.
// An empty name yields nil so callers can treat the alternate as optional.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		client.Timeout = 60 * time.Second
	}
	switch cfg.Provider {
	case "":
		return nil, nil
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
		return NewOllama(cfg.BaseURL, cfg.Model, client), nil
	case "hf", "huggingface":
		return NewHuggingFace(cfg.BaseURL, cfg.Model, cfg.APIKey, client), nil
	case "hash":
		return NewHash(cfg.Dimension), nil
	default:
		return nil, domain.NewConfigurationError("embedding.provider", fmt.Sprintf("unknown provider %q", cfg.Provider))
	}
}
