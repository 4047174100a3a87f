package observe

import (
	"math"
	"sort"
	"sync"
)

// DefaultTurnCapacity is the number of recent turns kept for percentile
// reporting.
const DefaultTurnCapacity = 5000

// TurnSample holds per-stage latencies for one completed turn, in
// milliseconds.
type TurnSample struct {
	STTMs float64
	LLMMs float64
	TTSMs float64
	E2EMs float64
}

// Percentiles is one latency axis of the stats report.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
}

// StatsReport is the JSON shape served at /api/metrics.
type StatsReport struct {
	STTLatencyMs   Percentiles `json:"stt_latency_ms"`
	LLMLatencyMs   Percentiles `json:"llm_latency_ms"`
	TTSLatencyMs   Percentiles `json:"tts_latency_ms"`
	EndToEndMs     Percentiles `json:"end_to_end_turn_latency_ms"`
	ToolCallsTotal int64       `json:"tool_calls_total"`
	ToolFailures   int64       `json:"tool_failures_total"`
	LowConfidence  int64       `json:"transcripts_low_confidence_total"`
	DroppedFrames  int64       `json:"audio_frames_dropped_total"`
	ActiveSessions int         `json:"active_sessions"`
}

// TurnStats is a fixed-capacity ring buffer of recent turn latencies plus
// monotonic counters. Safe for concurrent use.
type TurnStats struct {
	mu       sync.Mutex
	samples  []TurnSample
	next     int
	filled   bool
	capacity int

	toolCalls     int64
	toolFailures  int64
	lowConfidence int64
	droppedFrames int64
}

// NewTurnStats creates a TurnStats keeping the last capacity turns.
// Non-positive capacity uses DefaultTurnCapacity.
func NewTurnStats(capacity int) *TurnStats {
	if capacity <= 0 {
		capacity = DefaultTurnCapacity
	}
	return &TurnStats{
		samples:  make([]TurnSample, capacity),
		capacity: capacity,
	}
}

// RecordTurn appends one turn sample, evicting the oldest when full.
func (s *TurnStats) RecordTurn(sample TurnSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = sample
	s.next++
	if s.next == s.capacity {
		s.next = 0
		s.filled = true
	}
}

// AddToolCalls bumps the tool-call counter by n.
func (s *TurnStats) AddToolCalls(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls += n
}

// AddToolFailures bumps the tool-failure counter by n.
func (s *TurnStats) AddToolFailures(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolFailures += n
}

// IncLowConfidence bumps the low-confidence transcript counter.
func (s *TurnStats) IncLowConfidence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lowConfidence++
}

// AddDroppedFrames bumps the dropped-frame counter by n.
func (s *TurnStats) AddDroppedFrames(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedFrames += n
}

// Report builds the stats report over the buffered turns.
func (s *TurnStats) Report(activeSessions int) StatsReport {
	s.mu.Lock()
	n := s.next
	if s.filled {
		n = s.capacity
	}
	turns := make([]TurnSample, n)
	if s.filled {
		copy(turns, s.samples[s.next:])
		copy(turns[s.capacity-s.next:], s.samples[:s.next])
	} else {
		copy(turns, s.samples[:n])
	}
	report := StatsReport{
		ToolCallsTotal: s.toolCalls,
		ToolFailures:   s.toolFailures,
		LowConfidence:  s.lowConfidence,
		DroppedFrames:  s.droppedFrames,
		ActiveSessions: activeSessions,
	}
	s.mu.Unlock()

	axis := func(pick func(TurnSample) float64) Percentiles {
		values := make([]float64, len(turns))
		for i, t := range turns {
			values[i] = pick(t)
		}
		return Percentiles{P50: percentile(values, 0.5), P95: percentile(values, 0.95)}
	}
	report.STTLatencyMs = axis(func(t TurnSample) float64 { return t.STTMs })
	report.LLMLatencyMs = axis(func(t TurnSample) float64 { return t.LLMMs })
	report.TTSLatencyMs = axis(func(t TurnSample) float64 { return t.TTSMs })
	report.EndToEndMs = axis(func(t TurnSample) float64 { return t.E2EMs })
	return report
}

// percentile returns the rounded value at rank p of values. Empty input
// yields 0.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return math.Round(sorted[idx]*100) / 100
}
