package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eventsphere/kbassist/engine/domain"
)

// DefaultHFBaseURL is the hosted inference endpoint.
const DefaultHFBaseURL = "https://api-inference.huggingface.co"

// HuggingFace embeds text with the hosted feature-extraction pipeline.
type HuggingFace struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewHuggingFace creates a provider. A missing apiKey is reported as a
// ConfigurationError on every call.
func NewHuggingFace(baseURL, model, apiKey string, client *http.Client) *HuggingFace {
	if baseURL == "" {
		baseURL = DefaultHFBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HuggingFace{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  client,
	}
}

func (h *HuggingFace) Name() string  { return "hf" }
func (h *HuggingFace) Model() string { return h.model }

type hfRequest struct {
	Inputs  []string  `json:"inputs"`
	Options hfOptions `json:"options"`
}

type hfOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

type hfError struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

// Embed sends all texts in one request.
func (h *HuggingFace) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if h.apiKey == "" {
		return nil, domain.NewConfigurationError("embedding.api_key", "required for provider hf")
	}
	body, _ := json.Marshal(hfRequest{Inputs: texts})
	url := h.baseURL + "/pipeline/feature-extraction/" + h.model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: hf: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw := readErrorBody(resp.Body)
		err := classifyStatus(h.Name(), resp.StatusCode, raw)
		var perr *ProviderError
		var body hfError
		if errors.As(err, &perr) && json.Unmarshal(raw, &body) == nil && body.EstimatedTime > 0 {
			perr.Estimated = time.Duration(body.EstimatedTime * float64(time.Second))
		}
		return nil, err
	}

	var out [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed: hf decode: %w", err)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("embed: hf returned %d vectors for %d texts", len(out), len(texts))
	}
	return out, nil
}
