package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/teachme-labs/teachme-live/internal/agent"
	"github.com/teachme-labs/teachme-live/internal/config"
	"github.com/teachme-labs/teachme-live/internal/observe"
	"github.com/teachme-labs/teachme-live/internal/protocol"
	"github.com/teachme-labs/teachme-live/internal/session"
	"github.com/teachme-labs/teachme-live/pkg/provider/llm"
)

// historyWindow is how many prior exchanges are replayed as model context.
const historyWindow = 10

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// Orchestrator glues the pipeline stages of one turn together: transcript →
// model (tools or streaming) → structured enforcement → speech → notes →
// metrics.
type Orchestrator struct {
	cfg     *config.Config
	runtime *agent.Runtime
	speaker *Speaker
	metrics *observe.Metrics
	stats   *observe.TurnStats
	log     *slog.Logger
}

// New builds an Orchestrator.
func New(cfg *config.Config, runtime *agent.Runtime, speaker *Speaker, metrics *observe.Metrics, stats *observe.TurnStats, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		runtime: runtime,
		speaker: speaker,
		metrics: metrics,
		stats:   stats,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleFinalTranscript processes one final transcript: it emits
// TRANSCRIPT_FINAL, supersedes any in-flight turn, and runs the
// generate-and-speak phase on its own goroutine so the recognizer callback
// returns immediately. ctx scopes the whole session; per-turn cancellation is
// layered on top and stored in the session's handles.
func (o *Orchestrator) HandleFinalTranscript(ctx context.Context, sess *session.Session, emit Emitter, transcript string, confidence float64) {
	if strings.TrimSpace(transcript) == "" {
		return
	}
	turnStarted := sess.TurnStartedAt()
	if turnStarted.IsZero() {
		turnStarted = time.Now()
	}
	sttMs := float64(time.Since(turnStarted)) / float64(time.Millisecond)
	sess.SetLastConfidence(confidence)

	o.log.Info("final transcript",
		"session_id", sess.ID,
		"turn_id", sess.TurnID(),
		"chars", len(transcript),
		"confidence", confidence,
	)

	if err := emit.SendJSON(protocol.MsgTranscriptFinal, protocol.TranscriptFinalPayload{
		Text:       transcript,
		Confidence: confidence,
	}); err != nil {
		o.log.Warn("transcript final emit failed", "session_id", sess.ID, "error", err)
	}

	// A new final transcript supersedes whatever was still generating.
	sess.CancelActive()
	generation := sess.IncrementGeneration()
	sess.SetTTSPlaying(false)

	turnCtx, cancel := context.WithCancel(ctx)
	sess.SetOrchestratorCancel(cancel)

	go o.generateAndSpeak(turnCtx, sess, emit, transcript, confidence, generation, turnStarted, sttMs)
}

// generateAndSpeak runs steps 2–12 of a turn under the generation fence.
func (o *Orchestrator) generateAndSpeak(
	ctx context.Context,
	sess *session.Session,
	emit Emitter,
	transcript string,
	confidence float64,
	generation uint64,
	turnStarted time.Time,
	sttMs float64,
) {
	lang := config.Language(sess.TargetLanguage)
	fence := func() bool {
		return ctx.Err() == nil && sess.Generation() == generation
	}

	// Low confidence: clarify instead of calling the model.
	if confidence < o.cfg.STT.ConfidenceThreshold {
		o.stats.IncLowConfidence()
		o.metrics.LowConfidenceTranscripts.Add(ctx, 1)
		o.speakCanned(ctx, sess, emit, agent.ClarificationText(lang), fence, turnStarted, sttMs, 0)
		return
	}

	// Image guard: the query needs an image that was never uploaded.
	if agent.IsImageQuery(transcript) && sess.Image() == nil {
		o.speakCanned(ctx, sess, emit, agent.ImageGuardText(lang), fence, turnStarted, sttMs, 0)
		return
	}

	conversation, hasImage := o.buildConversation(sess, transcript)
	budget := time.Duration(o.cfg.LLM.TimeBudgetMs) * time.Millisecond
	if hasImage {
		budget = time.Duration(o.cfg.LLM.ImageTimeBudgetMs) * time.Millisecond
	}

	llmCtx, cancelLLM := context.WithTimeout(ctx, budget)
	defer cancelLLM()
	sess.SetLLMCancel(cancelLLM)

	deltaSent := false
	onDelta := func(text string) {
		if text == "" || !fence() {
			return
		}
		deltaSent = true
		_ = emit.SendJSON(protocol.MsgLLMDelta, protocol.LLMDeltaPayload{
			Text:   text,
			TurnID: sess.TurnID(),
		})
	}

	llmStarted := time.Now()
	result, err := o.runtime.RunTurn(llmCtx, conversation, transcript, lang, sess.TranslatorMode, onDelta)
	llmMs := float64(time.Since(llmStarted)) / float64(time.Millisecond)

	switch {
	case err == nil:
		// fall through to the happy path below
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Turn budget exhausted: speak a canned quick summary, still emit
		// notes for it.
		quick := agent.QuickSummary(lang)
		quickText := agent.SpeakableText(quick, lang)
		if !fence() {
			return
		}
		_ = emit.SendJSON(protocol.MsgLLMDelta, protocol.LLMDeltaPayload{
			Text:   quickText,
			TurnID: sess.TurnID(),
			Final:  true,
		})
		ttsMs := o.speak(ctx, sess, emit, quickText, string(lang), fence)
		o.recordTurn(ctx, turnStarted, sttMs, llmMs, ttsMs)
		if fence() {
			_ = emit.SendJSON(protocol.MsgNotes, protocol.NotesPayload{Text: quick.PrettyJSON()})
		}
		return
	case ctx.Err() != nil:
		// Superseded by barge-in or session teardown; stay silent.
		return
	default:
		o.log.Error("turn generation failed", "session_id", sess.ID, "error", err)
		if fence() {
			_ = emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
				Message: "Error generating response: " + err.Error(),
				Code:    500,
			})
		}
		return
	}

	if !fence() {
		return
	}

	speakText := agent.SpeakableText(result.Structured, lang)

	// Delta sentinel: empty after a streamed turn, the full raw text when
	// nothing was streamed (canned-utterance symmetry for tool turns).
	sentinel := protocol.LLMDeltaPayload{TurnID: sess.TurnID(), Final: true}
	if !deltaSent {
		sentinel.Text = result.RawText
	}
	_ = emit.SendJSON(protocol.MsgLLMDelta, sentinel)

	ttsMs := o.speak(ctx, sess, emit, speakText, string(lang), fence)

	sess.AppendExchange("user", transcript)
	sess.AppendExchange("assistant", speakText)

	o.recordToolMetrics(ctx, result)
	o.recordTurn(ctx, turnStarted, sttMs, llmMs, ttsMs)

	if fence() {
		_ = emit.SendJSON(protocol.MsgNotes, protocol.NotesPayload{Text: result.Structured.PrettyJSON()})
	}

	o.log.Info("turn complete",
		"session_id", sess.ID,
		"turn_id", sess.TurnID(),
		"model", result.Model,
		"request_id", result.RequestID,
		"tokens_in", result.Usage.InputTokens,
		"tokens_out", result.Usage.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
}

// GenerateNotes serves REQUEST_NOTES: an off-turn model call with the notes
// prompt, emitting only a NOTES frame. No audio is synthesized.
func (o *Orchestrator) GenerateNotes(ctx context.Context, sess *session.Session, emit Emitter) {
	lang := config.Language(sess.TargetLanguage)
	conversation := o.historyMessages(sess)
	conversation = append(conversation, llm.TextMessage(llm.RoleUser, agent.NotesPrompt))

	budget := time.Duration(o.cfg.LLM.TimeBudgetMs) * time.Millisecond
	notesCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	result, err := o.runtime.RunTurn(notesCtx, conversation, agent.NotesPrompt, lang, sess.TranslatorMode, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.log.Error("notes generation failed", "session_id", sess.ID, "error", err)
		_ = emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: "Error generating notes: " + err.Error(),
			Code:    500,
		})
		return
	}
	_ = emit.SendJSON(protocol.MsgNotes, protocol.NotesPayload{Text: result.Structured.PrettyJSON()})
}

// speakCanned emits the canned text as a single final delta, speaks it, and
// records the turn with zero model latency.
func (o *Orchestrator) speakCanned(ctx context.Context, sess *session.Session, emit Emitter, text string, fence func() bool, turnStarted time.Time, sttMs, llmMs float64) {
	if !fence() {
		return
	}
	_ = emit.SendJSON(protocol.MsgLLMDelta, protocol.LLMDeltaPayload{
		Text:   text,
		TurnID: sess.TurnID(),
		Final:  true,
	})
	ttsMs := o.speak(ctx, sess, emit, text, sess.TargetLanguage, fence)
	o.recordTurn(ctx, turnStarted, sttMs, llmMs, ttsMs)
}

// speak runs the chunked TTS stream and returns its latency in milliseconds.
func (o *Orchestrator) speak(ctx context.Context, sess *session.Session, emit Emitter, text, language string, fence func() bool) float64 {
	ttsCtx, cancelTTS := context.WithCancel(ctx)
	defer cancelTTS()
	sess.SetTTSCancel(cancelTTS)
	sess.SetTTSPlaying(true)
	defer sess.SetTTSPlaying(false)

	started := time.Now()
	if err := o.speaker.Speak(ttsCtx, emit, text, language, fence); err != nil && ctx.Err() == nil {
		o.log.Error("speech synthesis failed", "session_id", sess.ID, "error", err)
	}
	return float64(time.Since(started)) / float64(time.Millisecond)
}

// buildConversation assembles the model messages for a turn: the last
// historyWindow exchanges, then the user transcript with the uploaded image
// attached when the query asks about one.
func (o *Orchestrator) buildConversation(sess *session.Session, transcript string) ([]llm.Message, bool) {
	messages := o.historyMessages(sess)

	content := []llm.ContentBlock{{Type: llm.BlockText, Text: transcript}}
	hasImage := false
	if img := sess.Image(); img != nil && agent.IsImageQuery(transcript) {
		content = append(content, llm.ContentBlock{
			Type:           llm.BlockImage,
			ImageData:      img.Data,
			ImageMediaType: img.MediaType,
		})
		hasImage = true
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: content})
	return messages, hasImage
}

func (o *Orchestrator) historyMessages(sess *session.Session) []llm.Message {
	history := sess.RecentHistory(historyWindow)
	messages := make([]llm.Message, 0, len(history)+1)
	for _, ex := range history {
		role := llm.RoleUser
		if ex.Role == "assistant" {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.TextMessage(role, ex.Text))
	}
	return messages
}

// recordToolMetrics bumps tool counters from a completed turn.
func (o *Orchestrator) recordToolMetrics(ctx context.Context, result *agent.Result) {
	o.stats.AddToolCalls(int64(len(result.ToolCalls)))
	o.stats.AddToolFailures(int64(result.ToolFailures))
	for _, call := range result.ToolCalls {
		o.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", call.Name),
		))
	}
	if result.ToolFailures > 0 {
		o.metrics.ToolFailures.Add(ctx, int64(result.ToolFailures))
	}
}

// recordTurn records one turn sample in both the ring buffer and the OTel
// histograms.
func (o *Orchestrator) recordTurn(ctx context.Context, turnStarted time.Time, sttMs, llmMs, ttsMs float64) {
	e2eMs := float64(time.Since(turnStarted)) / float64(time.Millisecond)
	o.stats.RecordTurn(observe.TurnSample{STTMs: sttMs, LLMMs: llmMs, TTSMs: ttsMs, E2EMs: e2eMs})
	o.metrics.STTDuration.Record(ctx, sttMs/1000)
	o.metrics.LLMDuration.Record(ctx, llmMs/1000)
	o.metrics.TTSDuration.Record(ctx, ttsMs/1000)
	o.metrics.TurnDuration.Record(ctx, e2eMs/1000)
}
