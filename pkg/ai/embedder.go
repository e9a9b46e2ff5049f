package ai

import (
	"context"
	"errors"
)

// ErrEmbeddingUnavailable wraps any transport error, non-2xx response, or
// malformed payload from an embedding provider. Callers treat it as
// non-fatal: retrieval is best-effort.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// Providers reject over-long inputs; text is clipped before submission.
const maxEmbedInputChars = 8000

// Embedder provides embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder optionally supports embedding multiple texts at once.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

func truncateForEmbedding(text string) string {
	if len(text) <= maxEmbedInputChars {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxEmbedInputChars {
		return text
	}
	return string(runes[:maxEmbedInputChars])
}
