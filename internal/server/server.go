// Package server is the network endpoint of the tutor: one WebSocket route
// speaking the framed binary protocol, plus a small HTTP surface for health,
// turn statistics, Prometheus scraping, and a text-only chat entry point.
//
// Each WebSocket connection owns exactly one session: INIT opens it, a single
// read loop dispatches every subsequent frame, and disconnect tears down the
// session and its recognizer. All server→client frames go through a mutex-
// guarded emitter so the orchestrator's goroutines and the read loop never
// interleave partial writes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/teachme-labs/teachme-live/internal/agent"
	"github.com/teachme-labs/teachme-live/internal/config"
	"github.com/teachme-labs/teachme-live/internal/observe"
	"github.com/teachme-labs/teachme-live/internal/turn"
	"github.com/teachme-labs/teachme-live/pkg/provider/llm"
	"github.com/teachme-labs/teachme-live/pkg/provider/stt"
)

// shutdownTimeout bounds the graceful drain after the run context ends.
const shutdownTimeout = 15 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server hosts the WebSocket endpoint and the HTTP API.
type Server struct {
	cfg        *config.Config
	runtime    *agent.Runtime
	orch       *turn.Orchestrator
	recognizer stt.Recognizer
	metrics    *observe.Metrics
	stats      *observe.TurnStats
	log        *slog.Logger

	activeSessions atomic.Int64
}

// New builds a Server over the shared pipeline components. Sessions and
// recognizer adapters are created per connection.
func New(
	cfg *config.Config,
	runtime *agent.Runtime,
	orch *turn.Orchestrator,
	recognizer stt.Recognizer,
	metrics *observe.Metrics,
	stats *observe.TurnStats,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:        cfg,
		runtime:    runtime,
		orch:       orch,
		recognizer: recognizer,
		metrics:    metrics,
		stats:      stats,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/metrics", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/chat", s.handleChat)
	return mux
}

// Run serves until ctx is cancelled, then drains gracefully. The run context
// is also the session scope: cancelling it ends every live WebSocket session.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", "addr", s.cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen on %s: %w", s.cfg.Server.ListenAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats serves the turn-statistics report: per-stage latency
// percentiles, counters, and the live session count.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	report := s.stats.Report(int(s.activeSessions.Load()))
	writeJSON(w, http.StatusOK, report)
}

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	Message        string `json:"message"`
	TargetLanguage string `json:"target_language,omitempty"`
	TranslatorMode bool   `json:"translator_mode,omitempty"`
}

// chatResponse is the reply of POST /api/chat.
type chatResponse struct {
	Structured agent.Structured `json:"structured"`
	Model      string           `json:"model,omitempty"`
	RequestID  string           `json:"request_id,omitempty"`
	ToolCalls  []agent.ToolCall `json:"tool_calls"`
}

// handleChat runs a single text-only tutor turn: same runtime, same tool
// gating and structured enforcement, but no session, no STT, and no TTS.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	lang := s.cfg.Session.TargetLanguage
	if req.TargetLanguage != "" {
		l := config.Language(req.TargetLanguage)
		if !l.IsValid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("target_language %q is not supported", req.TargetLanguage)})
			return
		}
		lang = l
	}

	budget := time.Duration(s.cfg.LLM.TimeBudgetMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(r.Context(), budget)
	defer cancel()

	conversation := []llm.Message{llm.TextMessage(llm.RoleUser, message)}
	result, err := s.runtime.RunTurn(ctx, conversation, message, lang, req.TranslatorMode, nil)
	if err != nil {
		s.log.Error("chat turn failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "generation failed: " + err.Error()})
		return
	}

	resp := chatResponse{
		Structured: result.Structured,
		Model:      result.Model,
		RequestID:  result.RequestID,
		ToolCalls:  result.ToolCalls,
	}
	if resp.ToolCalls == nil {
		resp.ToolCalls = []agent.ToolCall{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
