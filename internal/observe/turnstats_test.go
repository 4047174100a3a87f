package observe

import (
	"sync"
	"testing"
)

func TestTurnStatsPercentiles(t *testing.T) {
	t.Parallel()

	s := NewTurnStats(100)
	for i := 1; i <= 100; i++ {
		s.RecordTurn(TurnSample{
			STTMs: float64(i),
			LLMMs: float64(i * 10),
			TTSMs: float64(i * 2),
			E2EMs: float64(i * 13),
		})
	}

	report := s.Report(3)
	if report.STTLatencyMs.P50 != 51 {
		t.Errorf("stt p50 = %v, want 51", report.STTLatencyMs.P50)
	}
	if report.STTLatencyMs.P95 != 96 {
		t.Errorf("stt p95 = %v, want 96", report.STTLatencyMs.P95)
	}
	if report.LLMLatencyMs.P50 != 510 {
		t.Errorf("llm p50 = %v, want 510", report.LLMLatencyMs.P50)
	}
	if report.ActiveSessions != 3 {
		t.Errorf("active sessions = %d, want 3", report.ActiveSessions)
	}
}

func TestTurnStatsEmptyReportsZero(t *testing.T) {
	t.Parallel()

	report := NewTurnStats(10).Report(0)
	if report.STTLatencyMs.P50 != 0 || report.EndToEndMs.P95 != 0 {
		t.Errorf("empty stats not zero: %+v", report)
	}
}

func TestTurnStatsRingEviction(t *testing.T) {
	t.Parallel()

	s := NewTurnStats(4)
	for i := 1; i <= 10; i++ {
		s.RecordTurn(TurnSample{E2EMs: float64(i)})
	}

	// Only samples 7..10 remain; the median sits at 9.
	report := s.Report(0)
	if report.EndToEndMs.P50 != 9 {
		t.Errorf("e2e p50 after eviction = %v, want 9", report.EndToEndMs.P50)
	}
	if report.EndToEndMs.P95 != 10 {
		t.Errorf("e2e p95 after eviction = %v, want 10", report.EndToEndMs.P95)
	}
}

func TestTurnStatsCounters(t *testing.T) {
	t.Parallel()

	s := NewTurnStats(10)
	s.AddToolCalls(3)
	s.AddToolFailures(1)
	s.IncLowConfidence()
	s.IncLowConfidence()
	s.AddDroppedFrames(42)

	report := s.Report(1)
	if report.ToolCallsTotal != 3 || report.ToolFailures != 1 {
		t.Errorf("tool counters = %d/%d", report.ToolCallsTotal, report.ToolFailures)
	}
	if report.LowConfidence != 2 {
		t.Errorf("low confidence = %d, want 2", report.LowConfidence)
	}
	if report.DroppedFrames != 42 {
		t.Errorf("dropped frames = %d, want 42", report.DroppedFrames)
	}
}

func TestTurnStatsConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewTurnStats(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.RecordTurn(TurnSample{E2EMs: float64(i)})
				s.AddToolCalls(1)
				_ = s.Report(1)
			}
		}()
	}
	wg.Wait()

	if got := s.Report(0).ToolCallsTotal; got != 800 {
		t.Errorf("tool calls = %d, want 800", got)
	}
}
