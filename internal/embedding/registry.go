package embedding

import (
	"context"
	"fmt"
	"sync"
)

// Loader constructs an Embedder for a model identifier.
type Loader func(ctx context.Context, model string) (Embedder, error)

// LoadError wraps a loader failure for a specific model.
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Model, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Registry caches loaded models by identifier for the lifetime of the
// process. A successful load happens at most once per identifier; failed
// loads are never cached, so the next request retries from scratch.
// Concurrent first requests for the same identifier share a single load.
//
// Handles are borrowed: GetOrLoad returns a release function, and an
// invalidated or closed-over model is only destroyed once its last borrower
// has released it, so a hot swap can never tear down a session mid-request.
type Registry struct {
	loader  Loader
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	done     chan struct{}
	embedder Embedder
	err      error
	// refs and retired are guarded by Registry.mu. A retired entry has been
	// removed from the map and is closed when refs drops to zero.
	refs    int
	retired bool
}

// NewRegistry creates a registry that loads models with loader.
func NewRegistry(loader Loader) *Registry {
	return &Registry{
		loader:  loader,
		entries: make(map[string]*registryEntry),
	}
}

// GetOrLoad returns the cached embedder for model, loading it on first
// request, plus a release function the caller must invoke when done with the
// handle. When another goroutine is already loading the same model, the call
// blocks until that load finishes and shares its result; if it failed, the
// call retries with its own load.
func (r *Registry) GetOrLoad(ctx context.Context, model string) (Embedder, func(), error) {
	for {
		r.mu.Lock()
		entry, ok := r.entries[model]
		if !ok {
			entry = &registryEntry{done: make(chan struct{})}
			r.entries[model] = entry
			r.mu.Unlock()

			embedder, err := r.loader(ctx, model)
			if err != nil {
				entry.err = &LoadError{Model: model, Err: err}
				r.mu.Lock()
				if r.entries[model] == entry {
					delete(r.entries, model)
				}
				r.mu.Unlock()
				close(entry.done)
				return nil, nil, entry.err
			}

			// The loader's borrow is taken before done is closed, so an
			// Invalidate racing in right after cannot close the handle
			// underneath this caller.
			r.mu.Lock()
			entry.embedder = embedder
			entry.refs = 1
			r.mu.Unlock()
			close(entry.done)
			return embedder, func() { r.release(entry) }, nil
		}
		r.mu.Unlock()

		select {
		case <-entry.done:
			if entry.err != nil {
				// The in-flight load failed; retry with our own attempt.
				continue
			}
			r.mu.Lock()
			if entry.retired {
				// Invalidated between load and borrow; reload.
				r.mu.Unlock()
				continue
			}
			entry.refs++
			r.mu.Unlock()
			return entry.embedder, func() { r.release(entry) }, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// release returns a borrowed handle; the last borrower of a retired entry
// closes it.
func (r *Registry) release(entry *registryEntry) {
	r.mu.Lock()
	entry.refs--
	shouldClose := entry.retired && entry.refs == 0
	r.mu.Unlock()

	if shouldClose && entry.embedder != nil {
		_ = entry.embedder.Close()
	}
}

// Invalidate drops the cached embedder for model so the next request reloads
// it. The old embedder is closed once its last borrower releases it; loads
// still in flight are left alone.
func (r *Registry) Invalidate(model string) {
	r.mu.Lock()
	entry, ok := r.entries[model]
	if !ok {
		r.mu.Unlock()
		return
	}
	select {
	case <-entry.done:
	default:
		r.mu.Unlock()
		return
	}
	delete(r.entries, model)
	entry.retired = true
	shouldClose := entry.refs == 0
	r.mu.Unlock()

	if shouldClose && entry.embedder != nil {
		_ = entry.embedder.Close()
	}
}

// Close retires all loaded embedders and clears the registry. Embedders
// still borrowed are closed when released.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	var toClose []Embedder
	for _, entry := range entries {
		select {
		case <-entry.done:
			if entry.embedder != nil {
				entry.retired = true
				if entry.refs == 0 {
					toClose = append(toClose, entry.embedder)
				}
			}
		default:
		}
	}
	r.mu.Unlock()

	var err error
	for _, embedder := range toClose {
		if cerr := embedder.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
