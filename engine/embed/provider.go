// Package embed turns text into fixed-dimension vectors. A single Provider
// interface has one implementation per backend (ollama, hf, hash); the
// Embedder wraps a provider with batching, pacing, retries, a circuit
// breaker and the deterministic hash fallback.
package embed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
)

// Provider generates one vector per input text.
type Provider interface {
	Name() string
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

var (
	// ErrModelLoading reports a provider cold start. It also matches
	// domain.ErrUpstreamUnavailable.
	ErrModelLoading = errors.New("embed: model loading")
	// ErrRejected is a non-retryable 4xx from the provider.
	ErrRejected = errors.New("embed: request rejected")
)

// ProviderError is the distinguished error shape returned by HTTP providers.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Kind     error
	// Estimated is the provider's own estimate of the cold-start delay.
	Estimated time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embed: %s: status %d: %s", e.Provider, e.Status, e.Message)
}

func (e *ProviderError) Unwrap() []error {
	if errors.Is(e.Kind, ErrModelLoading) {
		return []error{e.Kind, domain.ErrUpstreamUnavailable}
	}
	return []error{e.Kind}
}

// classifyStatus maps an HTTP failure to the embed error taxonomy.
func classifyStatus(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewConfigurationError("embedding.api_key", fmt.Sprintf("%s rejected credentials (status %d)", provider, status))
	case status == http.StatusTooManyRequests:
		return &ProviderError{Provider: provider, Status: status, Message: msg, Kind: domain.ErrUpstreamRateLimited}
	case status == http.StatusServiceUnavailable && strings.Contains(strings.ToLower(msg), "loading"):
		return &ProviderError{Provider: provider, Status: status, Message: msg, Kind: ErrModelLoading}
	case status >= 400 && status < 500:
		return &ProviderError{Provider: provider, Status: status, Message: msg, Kind: ErrRejected}
	default:
		return &ProviderError{Provider: provider, Status: status, Message: msg, Kind: domain.ErrUpstreamUnavailable}
	}
}

func readErrorBody(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return b
}

// isConfigError reports whether err means the provider cannot work at all.
func isConfigError(err error) bool {
	var cerr *domain.ConfigurationError
	return errors.As(err, &cerr)
}

// outcome labels a provider call for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrUpstreamRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrModelLoading):
		return "loading"
	default:
		return "error"
	}
}
