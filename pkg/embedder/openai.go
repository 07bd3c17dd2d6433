package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentos-dev/agentos/pkg/apperr"
	"github.com/agentos-dev/agentos/pkg/log"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	requestTimeout = 15 * time.Second
)

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIEmbedder builds a client for the given key and model.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// WithBaseURL overrides the API base URL. Used by tests.
func (e *OpenAIEmbedder) WithBaseURL(baseURL string) *OpenAIEmbedder {
	e.baseURL = baseURL
	return e
}

func (e *OpenAIEmbedder) Model() string { return e.model }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// upstreamError is the generic typed error for any provider failure. The
// provider's response body is never included; only the HTTP status is logged.
func upstreamError() error {
	return apperr.New(http.StatusBadGateway, apperr.CodeEmbeddingsAPIError,
		"Embeddings service temporarily unavailable")
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	logger := log.WithComponent("embedder")

	payload, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("Embedding request failed")
		return nil, upstreamError()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error().Int("status", resp.StatusCode).Msg("Embedding provider returned non-200")
		return nil, upstreamError()
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		logger.Error().Err(err).Msg("Embedding response decode failed")
		return nil, upstreamError()
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		logger.Error().Msg("Embedding response contained no vector")
		return nil, upstreamError()
	}
	return out.Data[0].Embedding, nil
}
