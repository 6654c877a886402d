package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/config"
	"github.com/hyperjump/embedd/internal/models"
	"github.com/hyperjump/embedd/internal/service"
)

// HTTPServer is the long-lived service mode: the same request/response JSON
// as the stdio protocol, served over HTTP so the model stays loaded across
// requests.
type HTTPServer struct {
	service *service.Service
	config  *config.ServerConfig
	logger  *zap.Logger
	server  *http.Server
}

// NewHTTPServer creates a server with the given dependencies.
func NewHTTPServer(svc *service.Service, cfg *config.ServerConfig, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		service: svc,
		config:  cfg,
		logger:  logger,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *HTTPServer) Start() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/api/v1/embeddings", s.handleEmbed)
	r.Get("/health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *HTTPServer) handleEmbed(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req models.EmbedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if req.ModelName == "" {
		req.ModelName = models.DefaultModelName
	}
	if len(req.Texts) == 0 {
		s.respondError(w, http.StatusBadRequest, "No texts provided", nil)
		return
	}

	s.logger.Debug("embed request",
		zap.String("request_id", requestID),
		zap.String("model", req.ModelName),
		zap.Int("texts", len(req.Texts)),
	)

	res, err := s.service.Generate(r.Context(), req.Texts, req.ModelName)
	if err != nil {
		var be *service.BackendError
		if errors.As(err, &be) {
			s.logger.Error("embedding failed",
				zap.String("request_id", requestID),
				zap.Error(be.Err),
				zap.Duration("elapsed", be.Elapsed),
			)
			latency := be.Elapsed.Seconds()
			s.respondError(w, http.StatusInternalServerError, be.Error(), &latency)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}

	s.respondJSON(w, http.StatusOK, models.EmbedResult{
		Embeddings: res.Vectors,
		Latency:    res.Latency.Seconds(),
		ModelUsed:  res.ModelUsed,
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *HTTPServer) respondError(w http.ResponseWriter, status int, message string, latency *float64) {
	s.respondJSON(w, status, models.EmbedError{Error: message, Latency: latency})
}
