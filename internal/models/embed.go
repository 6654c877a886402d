// Package models defines the wire types for embedding requests and responses.
package models

// DefaultModelName is used when a request does not name a model.
const DefaultModelName = "all-MiniLM-L6-v2"

// EmbedRequest is a single embedding request: a batch of texts and the model
// to embed them with. ModelName is optional and defaults to DefaultModelName.
type EmbedRequest struct {
	Texts     []string `json:"texts"`
	ModelName string   `json:"model_name"`
}

// EmbedResult is the success response. Embeddings[i] corresponds to
// Texts[i] of the request; Latency is seconds of wall-clock time spent.
type EmbedResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Latency    float64     `json:"latency"`
	ModelUsed  string      `json:"model_used"`
}

// EmbedError is the error response. Latency is present only when the failure
// happened after embedding work started.
type EmbedError struct {
	Error   string   `json:"error"`
	Latency *float64 `json:"latency,omitempty"`
}
