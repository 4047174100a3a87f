// Package session holds the per-connection mutable state of a tutoring
// session: turn and generation counters, the bounded audio queue, conversation
// history, the uploaded image, and the cancellation handles for in-flight
// work.
//
// A Session has a single writer — the endpoint's read loop — for everything
// except the monotonic counters and the drop counter, which other goroutines
// read (and the recognizer's producer drains the audio queue). Counters use
// atomics so cross-goroutine snapshots never tear.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// historyCap bounds the stored conversation history.
const historyCap = 20

// Exchange is one conversation history entry.
type Exchange struct {
	Role string // "user" or "assistant"
	Text string
}

// Image is an uploaded image attachment kept for the session's next turns.
type Image struct {
	Data      []byte
	MediaType string
}

// Session is the per-connection state container.
type Session struct {
	ID             string
	TargetLanguage string
	TranslatorMode bool

	audio   chan []byte
	dropped atomic.Int64
	lastDropLog atomic.Int64 // unix nanos of last saturation warning

	turnID       atomic.Uint64
	generationID atomic.Uint64

	mu            sync.Mutex
	history       []Exchange
	image         *Image
	turnStartedAt time.Time
	turnAudio     int
	lastAudioAt   time.Time
	lastConfidence float64
	ttsPlaying    bool

	cancelOrchestrator context.CancelFunc
	cancelTTS          context.CancelFunc
	cancelLLM          context.CancelFunc
}

// New creates a Session with an audio queue of the given capacity.
func New(id, targetLanguage string, translatorMode bool, maxAudioFrames int) *Session {
	if maxAudioFrames <= 0 {
		maxAudioFrames = 100
	}
	return &Session{
		ID:             id,
		TargetLanguage: targetLanguage,
		TranslatorMode: translatorMode,
		audio:          make(chan []byte, maxAudioFrames),
	}
}

// ─── Turn and generation counters ───────────────────────────────────────────

// BeginTurn starts per-turn accounting and returns the new turn id.
func (s *Session) BeginTurn(now time.Time) uint64 {
	s.mu.Lock()
	s.turnStartedAt = now
	s.turnAudio = 0
	s.mu.Unlock()
	return s.turnID.Add(1)
}

// TurnID returns the current turn id.
func (s *Session) TurnID() uint64 { return s.turnID.Load() }

// TurnStartedAt returns when the current turn began (zero when no turn is
// active yet).
func (s *Session) TurnStartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnStartedAt
}

// IncrementGeneration advances the cancellation fence and returns the new id.
// Only the endpoint's read loop calls this.
func (s *Session) IncrementGeneration() uint64 { return s.generationID.Add(1) }

// Generation returns the current fence value. Work tagged with an older value
// must discard its output before emission.
func (s *Session) Generation() uint64 { return s.generationID.Load() }

// ─── Audio queue ─────────────────────────────────────────────────────────────

// EnqueueAudio offers one PCM frame to the queue without blocking. On
// saturation the frame is dropped, the drop counter incremented, and a warning
// logged at most once per second.
func (s *Session) EnqueueAudio(frame []byte) bool {
	select {
	case s.audio <- frame:
		return true
	default:
	}
	dropped := s.dropped.Add(1)
	now := time.Now().UnixNano()
	last := s.lastDropLog.Load()
	if now-last >= int64(time.Second) && s.lastDropLog.CompareAndSwap(last, now) {
		slog.Warn("audio queue saturated, dropping frames",
			"session_id", s.ID,
			"dropped_total", dropped,
		)
	}
	return false
}

// Audio returns the receive side of the audio queue. The recognizer's producer
// is its only consumer.
func (s *Session) Audio() <-chan []byte { return s.audio }

// DroppedFrames returns the running count of frames dropped on saturation.
func (s *Session) DroppedFrames() int64 { return s.dropped.Load() }

// DrainAudio discards everything buffered in the queue. Used on turn-cap
// violations and during cleanup.
func (s *Session) DrainAudio() {
	for {
		select {
		case <-s.audio:
		default:
			return
		}
	}
}

// AddTurnAudio accumulates per-turn audio byte accounting and returns the new
// total for the current turn.
func (s *Session) AddTurnAudio(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnAudio += n
	return s.turnAudio
}

// TouchAudio records the arrival time of the most recent frame, consumed by
// the recognizer's silence timer.
func (s *Session) TouchAudio(now time.Time) {
	s.mu.Lock()
	s.lastAudioAt = now
	s.mu.Unlock()
}

// LastAudioAt returns the arrival time of the most recent frame.
func (s *Session) LastAudioAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAudioAt
}

// ─── Conversation history ────────────────────────────────────────────────────

// AppendExchange records a history entry, evicting the oldest beyond the cap.
func (s *Session) AppendExchange(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Exchange{Role: role, Text: text})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

// RecentHistory returns a copy of the most recent n history entries.
func (s *Session) RecentHistory(n int) []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Exchange, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// ─── Image attachment ────────────────────────────────────────────────────────

// SetImage stores the uploaded image, replacing any previous one.
func (s *Session) SetImage(img *Image) {
	s.mu.Lock()
	s.image = img
	s.mu.Unlock()
}

// Image returns the stored image, or nil when none was uploaded.
func (s *Session) Image() *Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// ─── Transcript confidence and playback flag ────────────────────────────────

// SetLastConfidence records the confidence of the most recent final transcript.
func (s *Session) SetLastConfidence(c float64) {
	s.mu.Lock()
	s.lastConfidence = c
	s.mu.Unlock()
}

// LastConfidence returns the most recent final-transcript confidence.
func (s *Session) LastConfidence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConfidence
}

// SetTTSPlaying flags whether server audio is currently streaming out.
func (s *Session) SetTTSPlaying(v bool) {
	s.mu.Lock()
	s.ttsPlaying = v
	s.mu.Unlock()
}

// TTSPlaying reports whether server audio is currently streaming out.
func (s *Session) TTSPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttsPlaying
}

// ─── Cancellation handles ────────────────────────────────────────────────────

// SetOrchestratorCancel stores the cancel handle for the running turn
// orchestrator.
func (s *Session) SetOrchestratorCancel(fn context.CancelFunc) {
	s.mu.Lock()
	s.cancelOrchestrator = fn
	s.mu.Unlock()
}

// SetTTSCancel stores the cancel handle for the running TTS stream.
func (s *Session) SetTTSCancel(fn context.CancelFunc) {
	s.mu.Lock()
	s.cancelTTS = fn
	s.mu.Unlock()
}

// SetLLMCancel stores the cancel handle for the in-flight model call.
func (s *Session) SetLLMCancel(fn context.CancelFunc) {
	s.mu.Lock()
	s.cancelLLM = fn
	s.mu.Unlock()
}

// CancelActive cancels the orchestrator, TTS, and LLM handles and clears them.
// The recognizer is deliberately left alone: it outlives turn-scope
// cancellation and observes only session close.
func (s *Session) CancelActive() {
	s.mu.Lock()
	orch, tts, llm := s.cancelOrchestrator, s.cancelTTS, s.cancelLLM
	s.cancelOrchestrator, s.cancelTTS, s.cancelLLM = nil, nil, nil
	s.mu.Unlock()

	if orch != nil {
		orch()
	}
	if tts != nil {
		tts()
	}
	if llm != nil {
		llm()
	}
}

// Close cancels all active work and drains the audio queue. The caller shuts
// down the recognizer separately.
func (s *Session) Close() {
	s.CancelActive()
	s.DrainAudio()
}
