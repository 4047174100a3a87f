package turn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teachme-labs/teachme-live/internal/protocol"
	ttsmock "github.com/teachme-labs/teachme-live/pkg/provider/tts/mock"
)

// recordedFrame is one emission captured by the test emitter.
type recordedFrame struct {
	Type    protocol.MsgType
	JSON    map[string]any
	Payload []byte
}

// frameRecorder implements Emitter and records every frame in order. OnFrame,
// when set, runs synchronously after each append.
type frameRecorder struct {
	mu      sync.Mutex
	frames  []recordedFrame
	OnFrame func(recordedFrame)
}

func (r *frameRecorder) SendJSON(t protocol.MsgType, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	return r.record(recordedFrame{Type: t, JSON: decoded})
}

func (r *frameRecorder) SendBinary(t protocol.MsgType, payload []byte) error {
	return r.record(recordedFrame{Type: t, Payload: append([]byte(nil), payload...)})
}

func (r *frameRecorder) record(f recordedFrame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	hook := r.OnFrame
	r.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return nil
}

func (r *frameRecorder) all() []recordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedFrame(nil), r.frames...)
}

func (r *frameRecorder) ofType(t protocol.MsgType) []recordedFrame {
	var out []recordedFrame
	for _, f := range r.all() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// waitForFrame polls until the recorder holds a frame of type t or the
// deadline passes.
func waitForFrame(t *testing.T, r *frameRecorder, mt protocol.MsgType) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.ofType(mt)) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame within deadline; got %d frames", mt, len(r.all()))
}

func alwaysOn() bool { return true }

func TestSpeakChunksAndCompletes(t *testing.T) {
	t.Parallel()

	synth := &ttsmock.Synthesizer{PCMSize: 2*chunkBytes + 4800}
	speaker := NewSpeaker(synth, 24000)
	speaker.yield = time.Millisecond

	rec := &frameRecorder{}
	if err := speaker.Speak(context.Background(), rec, "hello there", "en", alwaysOn); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	chunks := rec.ofType(protocol.MsgAudioChunk)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0].Payload) != chunkBytes || len(chunks[2].Payload) != 4800 {
		t.Errorf("chunk sizes = %d/%d/%d", len(chunks[0].Payload), len(chunks[1].Payload), len(chunks[2].Payload))
	}

	frames := rec.all()
	if frames[len(frames)-1].Type != protocol.MsgAudioComplete {
		t.Errorf("last frame = %s, want AUDIO_COMPLETE", frames[len(frames)-1].Type)
	}

	calls := synth.Recorded()
	if len(calls) != 1 {
		t.Fatalf("synthesize calls = %d, want 1", len(calls))
	}
	if calls[0].Voice.SampleRateHz != 24000 || calls[0].Voice.Language != "en" {
		t.Errorf("voice = %+v", calls[0].Voice)
	}
}

func TestSpeakStopsSilentlyWhenFenceDrops(t *testing.T) {
	t.Parallel()

	synth := &ttsmock.Synthesizer{PCMSize: 5 * chunkBytes}
	speaker := NewSpeaker(synth, 24000)
	speaker.yield = time.Millisecond

	var sent int
	fence := func() bool { return sent < 2 }
	rec := &frameRecorder{OnFrame: func(f recordedFrame) {
		if f.Type == protocol.MsgAudioChunk {
			sent++
		}
	}}

	if err := speaker.Speak(context.Background(), rec, "long answer", "en", fence); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := len(rec.ofType(protocol.MsgAudioChunk)); got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
	if got := len(rec.ofType(protocol.MsgAudioComplete)); got != 0 {
		t.Errorf("AUDIO_COMPLETE sent after fence dropped")
	}
}

func TestSpeakStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	synth := &ttsmock.Synthesizer{PCMSize: 5 * chunkBytes}
	speaker := NewSpeaker(synth, 24000)
	speaker.yield = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	rec := &frameRecorder{OnFrame: func(f recordedFrame) {
		if f.Type == protocol.MsgAudioChunk {
			cancel()
		}
	}}

	if err := speaker.Speak(ctx, rec, "long answer", "en", alwaysOn); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := len(rec.ofType(protocol.MsgAudioChunk)); got != 1 {
		t.Errorf("chunks = %d, want 1", got)
	}
	if got := len(rec.ofType(protocol.MsgAudioComplete)); got != 0 {
		t.Errorf("AUDIO_COMPLETE sent after cancel")
	}
}

func TestSpeakSynthesisErrorPropagates(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("backend down")
	synth := &ttsmock.Synthesizer{Err: wantErr}
	speaker := NewSpeaker(synth, 24000)

	rec := &frameRecorder{}
	err := speaker.Speak(context.Background(), rec, "hello", "en", alwaysOn)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
	if len(rec.all()) != 0 {
		t.Errorf("frames emitted despite synthesis failure: %v", rec.all())
	}
}
