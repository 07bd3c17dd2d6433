// Package embedder abstracts the text embedding provider. The OpenAI client
// is the production implementation; tests substitute fakes.
package embedder

import (
	"context"
)

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	// Embed computes the embedding for one text. Calls are bounded by the
	// client's timeout; provider error bodies never surface to callers.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model reports the provider model identifier stored with embeddings.
	Model() string
}
