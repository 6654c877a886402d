// Package storage provides a SQLite-backed embedding cache so repeated texts
// skip model inference, including across process restarts.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// VectorStore persists embeddings keyed by (model, text hash).
type VectorStore struct {
	db *sql.DB
}

// NewVectorStore opens or creates the cache database at path and initializes
// the schema. Parent directories are created if they do not exist.
func NewVectorStore(path string) (*VectorStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &VectorStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		model TEXT NOT NULL,
		text_hash TEXT NOT NULL,
		dimensions INTEGER NOT NULL,
		vector BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (model, text_hash)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Get returns the cached vector for (model, text), or ok=false on a miss.
func (s *VectorStore) Get(ctx context.Context, model, text string) ([]float32, bool, error) {
	var blob []byte
	var dims int
	err := s.db.QueryRowContext(ctx,
		"SELECT vector, dimensions FROM embeddings WHERE model = ? AND text_hash = ?",
		model, textHash(text),
	).Scan(&blob, &dims)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read embedding: %w", err)
	}
	vector, err := decodeVector(blob, dims)
	if err != nil {
		return nil, false, err
	}
	return vector, true, nil
}

// Put stores or replaces the vector for (model, text).
func (s *VectorStore) Put(ctx context.Context, model, text string, vector []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (model, text_hash, dimensions, vector) VALUES (?, ?, ?, ?)
		 ON CONFLICT(model, text_hash) DO UPDATE SET dimensions = excluded.dimensions, vector = excluded.vector`,
		model, textHash(text), len(vector), encodeVector(vector),
	)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// Count returns the number of cached embeddings.
func (s *VectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *VectorStore) Close() error {
	return s.db.Close()
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func encodeVector(vector []float32) []byte {
	blob := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[4*i:], math.Float32bits(v))
	}
	return blob
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if len(blob) != 4*dims {
		return nil, fmt.Errorf("corrupt embedding blob: %d bytes for %d dimensions", len(blob), dims)
	}
	vector := make([]float32, dims)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vector, nil
}
