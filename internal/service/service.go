// Package service orchestrates embedding generation: real backend via the
// model registry when one is available, deterministic fallback otherwise.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/embedding"
	"github.com/hyperjump/embedd/internal/storage"
)

// ErrNoTexts is returned when a request carries an empty text batch.
var ErrNoTexts = errors.New("no texts provided")

// BackendError is a model load or encode failure. Elapsed is the time spent
// before the failure, so callers can report latency in-band.
type BackendError struct {
	Err     error
	Elapsed time.Duration
}

func (e *BackendError) Error() string {
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Result is a completed embedding batch. Vectors[i] corresponds to the i-th
// input text.
type Result struct {
	Vectors   [][]float32
	Latency   time.Duration
	ModelUsed string
}

// Service turns text batches into embeddings. The backend strategy is fixed
// at construction: with a registry it loads and runs real models, without one
// every request takes the deterministic fallback path.
type Service struct {
	registry *embedding.Registry
	fallback *embedding.FallbackEmbedder
	store    *storage.VectorStore
	logger   *zap.Logger
}

// New creates a service. registry may be nil (no real backend available);
// store may be nil (persistent cache disabled); logger may be nil.
func New(registry *embedding.Registry, fallback *embedding.FallbackEmbedder, store *storage.VectorStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		fallback: fallback,
		store:    store,
		logger:   logger,
	}
}

// Generate embeds texts with the named model, preserving input order.
// Empty batches are rejected with ErrNoTexts before any work starts. Backend
// failures are returned as *BackendError carrying elapsed time; the fallback
// path cannot fail.
func (s *Service) Generate(ctx context.Context, texts []string, model string) (*Result, error) {
	if len(texts) == 0 {
		return nil, ErrNoTexts
	}
	start := time.Now()

	if s.registry == nil {
		vectors, err := s.fallback.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, &BackendError{Err: err, Elapsed: time.Since(start)}
		}
		s.logger.Debug("generated fallback embeddings",
			zap.Int("texts", len(texts)),
			zap.Duration("latency", time.Since(start)),
		)
		return &Result{
			Vectors:   vectors,
			Latency:   time.Since(start),
			ModelUsed: embedding.FallbackModelName,
		}, nil
	}

	embedder, release, err := s.registry.GetOrLoad(ctx, model)
	if err != nil {
		return nil, &BackendError{Err: err, Elapsed: time.Since(start)}
	}
	defer release()
	vectors, err := s.embedAll(ctx, embedder, model, texts)
	if err != nil {
		return nil, &BackendError{Err: err, Elapsed: time.Since(start)}
	}

	s.logger.Debug("generated embeddings",
		zap.String("model", model),
		zap.Int("texts", len(texts)),
		zap.Duration("latency", time.Since(start)),
	)
	return &Result{
		Vectors:   vectors,
		Latency:   time.Since(start),
		ModelUsed: model,
	}, nil
}

// embedAll embeds each text in order, consulting the persistent cache first
// when one is configured. Cache read/write failures are logged and ignored;
// the cache is an optimization, not a correctness dependency.
func (s *Service) embedAll(ctx context.Context, embedder embedding.Embedder, model string, texts []string) ([][]float32, error) {
	if s.store == nil {
		return embedder.EmbedBatch(ctx, texts)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if cached, ok, err := s.store.Get(ctx, model, text); err != nil {
			s.logger.Warn("embedding cache read failed", zap.Error(err))
		} else if ok {
			vectors[i] = cached
			continue
		}

		vector, err := embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
		if err := s.store.Put(ctx, model, text, vector); err != nil {
			s.logger.Warn("embedding cache write failed", zap.Error(err))
		}
	}
	return vectors, nil
}
