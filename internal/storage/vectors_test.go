package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *VectorStore {
	t.Helper()
	store, err := NewVectorStore(filepath.Join(t.TempDir(), "cache", "embeddings.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestVectorStoreRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vector := []float32{0.1, -0.5, 0.25, 1}
	if err := store.Put(ctx, "all-MiniLM-L6-v2", "hello", vector); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Get(ctx, "all-MiniLM-L6-v2", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != len(vector) {
		t.Fatalf("len = %d, want %d", len(got), len(vector))
	}
	for i := range vector {
		if got[i] != vector[i] {
			t.Errorf("component %d = %v, want %v", i, got[i], vector[i])
		}
	}
}

func TestVectorStoreMiss(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "m", "absent"); err != nil || ok {
		t.Errorf("Get miss: ok=%v err=%v", ok, err)
	}
	// Same text under a different model is still a miss.
	if err := store.Put(ctx, "m", "text", []float32{1}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(ctx, "other", "text"); ok {
		t.Error("hit across models")
	}
}

func TestVectorStoreOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "m", "text", []float32{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "m", "text", []float32{3, 4, 5}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := store.Get(ctx, "m", "text")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if len(got) != 3 || got[0] != 3 {
		t.Errorf("got %v, want [3 4 5]", got)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}
