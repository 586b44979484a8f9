// Package embeddings defines the Provider interface for text embedding
// backends.
//
// The document tier of Q&A embeds uploaded meeting documents at index
// time and the user's question at query time, then ranks chunks by
// vector distance in Postgres. Providers wrap a remote or local
// embedding API behind a uniform interface.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any embedding backend.
type Provider interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the width of the vectors this provider emits.
	// Must match the pgvector column the store was migrated with.
	Dimensions() int

	// ModelID returns the model identifier used for embedding.
	ModelID() string
}
