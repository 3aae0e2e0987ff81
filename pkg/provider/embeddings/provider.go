// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// The reservoir predictor embeds every observed text, the simhash index
// fingerprints those vectors, and sediment compression clusters fragments by
// the cosine similarity of their embeddings. Backends live in sub-packages:
// openai and ollama call remote models, hashembed is an offline
// pseudo-embedding used as the last fallback, and cache wraps any provider
// with an LRU.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the same length, reported
// by Dimensions. Vectors from providers with different models must not be
// compared with each other.
type Provider interface {
	// Embed computes the embedding vector for a single text. The text is
	// passed through verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes one vector per text in a single backend call. The
	// i-th result corresponds to texts[i]. On error the whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length.
	Dimensions() int

	// ModelID returns the backend model identifier, e.g. "nomic-embed-text".
	ModelID() string
}
