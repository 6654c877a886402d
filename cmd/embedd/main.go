// Package main is the embedd CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/embedd/internal/config"
	"github.com/hyperjump/embedd/internal/embedding"
	"github.com/hyperjump/embedd/internal/models"
	"github.com/hyperjump/embedd/internal/server"
	"github.com/hyperjump/embedd/internal/service"
	"github.com/hyperjump/embedd/internal/storage"
	"github.com/hyperjump/embedd/internal/watcher"
	"github.com/hyperjump/embedd/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/embedd/config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "serve":
		runServe()
	case "server":
		runServer()
	case "encode":
		runEncode()
	case "version", "--version", "-v":
		fmt.Printf("embedd version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// loadConfig loads config from path. When path is the default, a config.yaml
// in the current directory takes precedence (for development). A missing file
// is not an error; the adapter runs on defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				return config.Load(fallback)
			}
		}
	}
	return config.LoadOrDefault(path)
}

// runServe serves exactly one request on stdin/stdout and exits 0; every
// internal failure is reported as an in-band JSON error object.
func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging on stderr")
	_ = fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		writeInbandError(err)
		return
	}
	logger := newLogger(cfg.Debug || *debug)
	defer logger.Sync()

	svc, _, cleanup := buildService(cfg, logger)
	defer cleanup()

	srv := server.NewStdioServer(svc, os.Stdin, os.Stdout, logger)
	if err := srv.Serve(context.Background()); err != nil {
		// The output stream itself is broken; nothing can be reported in-band.
		logger.Error("failed to write response", zap.Error(err))
		os.Exit(1)
	}
}

// runServer runs the long-lived HTTP mode, keeping loaded models resident
// across requests.
func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Debug || *debug)
	defer logger.Sync()

	svc, registry, cleanup := buildService(cfg, logger)
	defer cleanup()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if registry != nil {
		w := watcher.NewModelWatcher(cfg.Embedding.ModelPath, func() {
			logger.Info("model file replaced, reloading on next request",
				zap.String("model", cfg.Embedding.DefaultModel))
			registry.Invalidate(cfg.Embedding.DefaultModel)
		}, logger)
		if err := w.Start(watchCtx); err != nil {
			logger.Warn("model watch unavailable", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}

	httpSrv := server.NewHTTPServer(svc, &cfg.Server, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Stop(ctx)
	}()

	if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

// runEncode embeds the argument texts and prints the response JSON. Useful
// for scripting and for checking what a request would return.
func runEncode() {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	model := fs.String("model", "", "model name (default from config)")
	debug := fs.Bool("debug", false, "enable debug logging on stderr")
	_ = fs.Parse(os.Args[2:])

	texts := fs.Args()
	if len(texts) == 0 {
		fmt.Println("Usage: embedd encode [flags] <text> [<text> ...]")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Debug || *debug)
	defer logger.Sync()

	if *model == "" {
		*model = cfg.Embedding.DefaultModel
	}

	svc, _, cleanup := buildService(cfg, logger)
	defer cleanup()

	res, err := svc.Generate(context.Background(), texts, *model)
	if err != nil {
		writeInbandError(err)
		return
	}
	_ = json.NewEncoder(os.Stdout).Encode(models.EmbedResult{
		Embeddings: res.Vectors,
		Latency:    res.Latency.Seconds(),
		ModelUsed:  res.ModelUsed,
	})
}

// buildService decides the backend strategy once: ONNX compiled in and the
// configured model file present means real backend; anything else means the
// deterministic fallback. The returned cleanup closes whatever was opened.
func buildService(cfg *config.Config, logger *zap.Logger) (*service.Service, *embedding.Registry, func()) {
	var registry *embedding.Registry
	switch {
	case !embedding.ONNXAvailable():
		logger.Debug("ONNX support not compiled in, using fallback embeddings")
	default:
		if _, err := os.Stat(cfg.Embedding.ModelPath); err != nil {
			logger.Debug("model file not found, using fallback embeddings",
				zap.String("path", cfg.Embedding.ModelPath))
		} else {
			registry = embedding.NewRegistry(newModelLoader(cfg))
		}
	}

	var store *storage.VectorStore
	if registry != nil && cfg.Storage.CachePath != "" {
		s, err := storage.NewVectorStore(cfg.Storage.CachePath)
		if err != nil {
			logger.Warn("failed to open embedding cache, continuing without it", zap.Error(err))
		} else {
			store = s
			if n, err := store.Count(context.Background()); err == nil {
				logger.Info("embedding cache opened",
					zap.String("path", cfg.Storage.CachePath),
					zap.Int("entries", n))
			}
		}
	}

	svc := service.New(registry, embedding.NewFallbackEmbedder(cfg.Embedding.Dimensions), store, logger)
	cleanup := func() {
		if registry != nil {
			_ = registry.Close()
		}
		if store != nil {
			_ = store.Close()
		}
	}
	return svc, registry, cleanup
}

// newModelLoader returns a Loader resolving model names to ONNX files next to
// the configured default model.
func newModelLoader(cfg *config.Config) embedding.Loader {
	return func(_ context.Context, model string) (embedding.Embedder, error) {
		path, err := modelPathFor(cfg, model)
		if err != nil {
			return nil, err
		}
		e, err := embedding.NewONNXEmbedder(path,
			cfg.Embedding.Dimensions, cfg.Embedding.MaxTokens, cfg.Embedding.CacheSize)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// modelPathFor maps a model name to its ONNX file. The default model uses the
// configured path; other models are looked up as <name>.onnx in the same
// directory.
func modelPathFor(cfg *config.Config, model string) (string, error) {
	if model == cfg.Embedding.DefaultModel {
		return cfg.Embedding.ModelPath, nil
	}
	path := filepath.Join(filepath.Dir(cfg.Embedding.ModelPath), model+".onnx")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("unknown model %s: no file at %s", model, path)
	}
	return path, nil
}

// newLogger builds the zap logger, falling back to a no-op logger so a
// logging failure can never break the protocol contract.
func newLogger(debug bool) *zap.Logger {
	logger, err := utils.NewLogger(debug)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// writeInbandError reports an internal failure as the single JSON response
// object, keeping the exit status normal per the protocol contract.
func writeInbandError(err error) {
	_ = json.NewEncoder(os.Stdout).Encode(models.EmbedError{Error: "Script error: " + err.Error()})
}

func printUsage() {
	fmt.Println(`embedd - embedding inference adapter

Usage:
  embedd serve [flags]            Serve one JSON request on stdin, one JSON response on stdout
  embedd server [flags]           Run the long-lived HTTP API (keeps models loaded)
  embedd encode [flags] <text>... Embed the given texts and print the response JSON
  embedd version                  Print version
  embedd help                     Show this help

Flags:
  -config <path>   Config file path (default ` + defaultConfigPath + `)
  -debug           Enable debug logging on stderr
  -model <name>    Model name for encode (default from config)

With no ONNX model available, responses use deterministic fallback vectors
and report model_used "mock_fallback".`)
}
