// Package server provides the request/response surfaces of the adapter: the
// one-shot line protocol on stdio and the long-lived HTTP API.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/models"
	"github.com/hyperjump/embedd/internal/service"
	"github.com/hyperjump/embedd/pkg/utils"
)

// StdioServer serves exactly one embedding request: one newline-delimited
// JSON request from in, one JSON line to out. Every path, including every
// failure, writes exactly one JSON object; errors are reported in-band so the
// supervising caller never has to inspect the exit status.
type StdioServer struct {
	service *service.Service
	in      io.Reader
	out     io.Writer
	logger  *zap.Logger
}

// NewStdioServer creates a stdio server. logger may be nil.
func NewStdioServer(svc *service.Service, in io.Reader, out io.Writer, logger *zap.Logger) *StdioServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioServer{
		service: svc,
		in:      in,
		out:     out,
		logger:  logger,
	}
}

// Serve reads one request line and writes one response line. The returned
// error is non-nil only when the response itself could not be written; all
// request failures are reported in the response.
func (s *StdioServer) Serve(ctx context.Context) error {
	line, err := bufio.NewReader(s.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return s.writeError("Script error: "+err.Error(), nil)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return s.writeError("No input provided", nil)
	}
	s.logger.Debug("request received", zap.String("line", utils.Truncate(line, 200)))

	var req models.EmbedRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return s.writeError("Script error: "+err.Error(), nil)
	}
	if req.ModelName == "" {
		req.ModelName = models.DefaultModelName
	}
	if len(req.Texts) == 0 {
		return s.writeError("No texts provided", nil)
	}

	res, err := s.service.Generate(ctx, req.Texts, req.ModelName)
	if err != nil {
		var be *service.BackendError
		if errors.As(err, &be) {
			s.logger.Warn("embedding failed", zap.Error(be.Err), zap.Duration("elapsed", be.Elapsed))
			latency := be.Elapsed.Seconds()
			return s.writeError(be.Error(), &latency)
		}
		return s.writeError("Script error: "+err.Error(), nil)
	}

	return s.writeJSON(models.EmbedResult{
		Embeddings: res.Vectors,
		Latency:    res.Latency.Seconds(),
		ModelUsed:  res.ModelUsed,
	})
}

func (s *StdioServer) writeError(message string, latency *float64) error {
	return s.writeJSON(models.EmbedError{Error: message, Latency: latency})
}

// writeJSON writes v as a single JSON line. json.Encoder appends the newline.
func (s *StdioServer) writeJSON(v any) error {
	return json.NewEncoder(s.out).Encode(v)
}
