package embedding

import (
	"context"
	"crypto/sha256"

	"github.com/hyperjump/embedd/pkg/utils"
)

// FallbackModelName is reported as model_used whenever vectors come from the
// fallback encoder, so callers can never mistake them for real model output.
const FallbackModelName = "mock_fallback"

// DefaultDimensions is the vector size of the default model (all-MiniLM-L6-v2).
const DefaultDimensions = 384

// FallbackEmbedder maps text to a deterministic unit vector derived from a
// SHA-256 digest of the text. The same text always yields a bit-identical
// vector, independent of process or call order, so two runs with no model
// present still agree on identical inputs. The vectors carry no semantic
// meaning.
type FallbackEmbedder struct {
	dimensions int
}

// NewFallbackEmbedder returns a fallback embedder producing vectors of the
// given dimensions (DefaultDimensions when <= 0).
func NewFallbackEmbedder(dimensions int) *FallbackEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &FallbackEmbedder{dimensions: dimensions}
}

// Embed returns the deterministic pseudo-embedding for text. The digest is
// cycled over the vector, each byte mapped to [-0.5, 0.5), then the vector is
// L2-normalized.
func (e *FallbackEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	digest := sha256.Sum256([]byte(text))
	emb := make([]float32, e.dimensions)
	for i := range emb {
		b := digest[i%len(digest)]
		emb[i] = float32(b)/255.0 - 0.5
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text, preserving input order.
func (e *FallbackEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *FallbackEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for FallbackEmbedder.
func (e *FallbackEmbedder) Close() error {
	return nil
}
