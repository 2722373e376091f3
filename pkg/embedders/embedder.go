// Package embedders provides the embedding backend used by the
// compression stage's relevance filter.
package embedders

import "context"

// Embedder turns texts into vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// Model returns the embedding model name.
	Model() string
}
