// Command voiceloop is the real-time voice orchestrator: it bridges Twilio
// media streams, the GPU inference service, and the OpenAI Realtime API into
// spoken phone conversations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voiceloop-ai/voiceloop/internal/backend"
	"github.com/voiceloop-ai/voiceloop/internal/call"
	"github.com/voiceloop-ai/voiceloop/internal/config"
	"github.com/voiceloop-ai/voiceloop/internal/health"
	"github.com/voiceloop-ai/voiceloop/internal/observe"
	"github.com/voiceloop-ai/voiceloop/internal/pipeline"
	"github.com/voiceloop-ai/voiceloop/internal/summary"
	"github.com/voiceloop-ai/voiceloop/internal/telephony"
	"github.com/voiceloop-ai/voiceloop/pkg/inference"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceloop: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("voiceloop starting",
		"version", version,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voiceloop",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Clients ───────────────────────────────────────────────────────────────
	gpu, err := inference.New(cfg.GPU.URL, cfg.GPU.APIKey)
	if err != nil {
		slog.Error("gpu client init failed", "err", err)
		return 1
	}
	bc, err := backend.New(cfg.Backend.URL, cfg.Backend.Secret)
	if err != nil {
		slog.Error("backend client init failed", "err", err)
		return 1
	}
	summarizer, err := summary.New(cfg.OpenAI.APIKey, "")
	if err != nil {
		slog.Error("summarizer init failed", "err", err)
		return 1
	}

	// ── Call orchestration ────────────────────────────────────────────────────
	registry := call.NewRegistry()
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		OpenAIKey:             cfg.OpenAI.APIKey,
		Model:                 cfg.OpenAI.Model,
		Temperature:           cfg.OpenAI.Temperature,
		MaxTokens:             cfg.OpenAI.MaxTokens,
		DefaultSilenceTimeout: time.Duration(cfg.Calls.SilenceTimeoutSeconds) * time.Second,
		DefaultMaxDuration:    time.Duration(cfg.Calls.MaxDurationSeconds) * time.Second,
	}, gpu, bc, registry, summarizer, metrics, logger)

	telServer := telephony.NewServer(bc, orch.HandleStream,
		telephony.WithSignatureValidation(cfg.Calls.ValidateSignatures),
		telephony.WithIncomingCallback(orch.OnIncoming),
		telephony.WithStatusCallback(orch.OnStatus),
		telephony.WithLogger(logger),
	)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	telServer.Register(mux)
	health.New(func(ctx context.Context) error {
		_, err := gpu.Health(ctx)
		return err
	}, orch.ActiveCalls).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           observe.Middleware(metrics, logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
