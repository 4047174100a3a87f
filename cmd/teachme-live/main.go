// Command teachme-live is the realtime voice tutor server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teachme-labs/teachme-live/internal/agent"
	"github.com/teachme-labs/teachme-live/internal/config"
	"github.com/teachme-labs/teachme-live/internal/observe"
	"github.com/teachme-labs/teachme-live/internal/server"
	"github.com/teachme-labs/teachme-live/internal/tools"
	"github.com/teachme-labs/teachme-live/internal/turn"
	"github.com/teachme-labs/teachme-live/pkg/provider/stt/deepgram"
	"github.com/teachme-labs/teachme-live/pkg/provider/tts/coqui"

	anthropicllm "github.com/teachme-labs/teachme-live/pkg/provider/llm/anthropic"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "teachme-live: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "teachme-live: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("teachme-live starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	recognizer, err := deepgram.New(cfg.STT.APIKey,
		deepgram.WithModel(cfg.STT.Model),
		deepgram.WithSampleRate(cfg.STT.SampleRateHz),
	)
	if err != nil {
		slog.Error("failed to create recognizer", "err", err)
		return 1
	}

	model, err := anthropicllm.New(cfg.LLM.APIKey,
		anthropicllm.WithModels(cfg.LLM.PrimaryModel, cfg.LLM.FallbackModel),
		anthropicllm.WithRequestTimeout(time.Duration(cfg.LLM.RequestTimeoutMs)*time.Millisecond),
	)
	if err != nil {
		slog.Error("failed to create model client", "err", err)
		return 1
	}

	synth, err := coqui.New(cfg.TTS.BaseURL)
	if err != nil {
		slog.Error("failed to create synthesizer", "err", err)
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	stats := observe.NewTurnStats(observe.DefaultTurnCapacity)
	runtime := agent.NewRuntime(model, tools.NewRegistry(), cfg)
	speaker := turn.NewSpeaker(synth, cfg.TTS.SampleRateHz)
	orch := turn.New(cfg, runtime, speaker, metrics, stats)
	srv := server.New(cfg, runtime, orch, recognizer, metrics, stats)

	slog.Info("server ready — press Ctrl+C to shut down",
		"stt_model", cfg.STT.Model,
		"llm_model", cfg.LLM.PrimaryModel,
		"tts_url", cfg.TTS.BaseURL,
	)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
