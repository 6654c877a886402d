package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// closeTrackingEmbedder records whether Close has been called.
type closeTrackingEmbedder struct {
	*FallbackEmbedder
	closed atomic.Bool
}

func (e *closeTrackingEmbedder) Close() error {
	e.closed.Store(true)
	return nil
}

func TestRegistryLoadsAtMostOnce(t *testing.T) {
	var loads int32
	r := NewRegistry(func(_ context.Context, _ string) (Embedder, error) {
		atomic.AddInt32(&loads, 1)
		return NewFallbackEmbedder(4), nil
	})

	ctx := context.Background()
	first, release1, err := r.GetOrLoad(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	defer release1()
	second, release2, err := r.GetOrLoad(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	defer release2()
	if first != second {
		t.Error("expected the same handle on repeat request")
	}
	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Errorf("loader called %d times, want 1", n)
	}
}

func TestRegistryFailedLoadIsNotCached(t *testing.T) {
	var loads int32
	boom := errors.New("no such model")
	r := NewRegistry(func(_ context.Context, _ string) (Embedder, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			return nil, boom
		}
		return NewFallbackEmbedder(4), nil
	})

	ctx := context.Background()
	_, _, err := r.GetOrLoad(ctx, "m")
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("LoadError does not wrap the loader failure: %v", err)
	}

	// The failure must not poison the cache; the second call retries.
	if _, release, err := r.GetOrLoad(ctx, "m"); err != nil {
		t.Fatalf("retry after failed load: %v", err)
	} else {
		release()
	}
	if n := atomic.LoadInt32(&loads); n != 2 {
		t.Errorf("loader called %d times, want 2", n)
	}
}

func TestRegistrySingleFlight(t *testing.T) {
	var loads int32
	r := NewRegistry(func(_ context.Context, _ string) (Embedder, error) {
		atomic.AddInt32(&loads, 1)
		time.Sleep(50 * time.Millisecond)
		return NewFallbackEmbedder(4), nil
	})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, release, err := r.GetOrLoad(context.Background(), "m")
			errs[i] = err
			if err == nil {
				release()
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Errorf("loader called %d times under concurrency, want 1", n)
	}
}

func TestRegistryDistinctModels(t *testing.T) {
	var loads int32
	r := NewRegistry(func(_ context.Context, model string) (Embedder, error) {
		atomic.AddInt32(&loads, 1)
		return NewFallbackEmbedder(4), nil
	})
	ctx := context.Background()
	if _, release, err := r.GetOrLoad(ctx, "a"); err != nil {
		t.Fatal(err)
	} else {
		release()
	}
	if _, release, err := r.GetOrLoad(ctx, "b"); err != nil {
		t.Fatal(err)
	} else {
		release()
	}
	if n := atomic.LoadInt32(&loads); n != 2 {
		t.Errorf("loader called %d times, want 2", n)
	}
}

func TestRegistryInvalidateReloads(t *testing.T) {
	var loads int32
	r := NewRegistry(func(_ context.Context, _ string) (Embedder, error) {
		atomic.AddInt32(&loads, 1)
		return NewFallbackEmbedder(4), nil
	})
	ctx := context.Background()
	_, release, err := r.GetOrLoad(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	release()
	r.Invalidate("m")
	if _, release, err := r.GetOrLoad(ctx, "m"); err != nil {
		t.Fatal(err)
	} else {
		release()
	}
	if n := atomic.LoadInt32(&loads); n != 2 {
		t.Errorf("loader called %d times after invalidate, want 2", n)
	}
}

// Invalidate must not destroy a handle another caller is still using; the
// close happens when the last borrower releases it.
func TestRegistryInvalidateWaitsForBorrowers(t *testing.T) {
	emb := &closeTrackingEmbedder{FallbackEmbedder: NewFallbackEmbedder(4)}
	r := NewRegistry(func(_ context.Context, _ string) (Embedder, error) {
		return emb, nil
	})

	ctx := context.Background()
	handle, release, err := r.GetOrLoad(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	if handle != Embedder(emb) {
		t.Fatal("unexpected handle")
	}

	r.Invalidate("m")
	if emb.closed.Load() {
		t.Fatal("embedder closed while still borrowed")
	}
	// The handle stays usable until released.
	if _, err := handle.Embed(ctx, "still in flight"); err != nil {
		t.Fatalf("borrowed handle unusable after Invalidate: %v", err)
	}

	release()
	if !emb.closed.Load() {
		t.Error("embedder not closed after last borrower released")
	}
}

func TestRegistryInvalidateWithoutBorrowersClosesNow(t *testing.T) {
	emb := &closeTrackingEmbedder{FallbackEmbedder: NewFallbackEmbedder(4)}
	r := NewRegistry(func(_ context.Context, _ string) (Embedder, error) {
		return emb, nil
	})
	_, release, err := r.GetOrLoad(context.Background(), "m")
	if err != nil {
		t.Fatal(err)
	}
	release()
	r.Invalidate("m")
	if !emb.closed.Load() {
		t.Error("idle embedder not closed on Invalidate")
	}
}

func TestRegistryContextCancelledWhileWaiting(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := NewRegistry(func(_ context.Context, _ string) (Embedder, error) {
		close(started)
		<-release
		return NewFallbackEmbedder(4), nil
	})

	go func() {
		_, rel, err := r.GetOrLoad(context.Background(), "m")
		if err == nil {
			rel()
		}
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.GetOrLoad(ctx, "m")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	close(release)
}
