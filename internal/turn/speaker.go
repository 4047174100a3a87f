// Package turn orchestrates one tutoring turn: final transcript in, streamed
// model deltas, synthesized audio chunks, and a notes frame out. All
// emissions are fenced on the session's generation id so barge-in silences a
// superseded turn without tearing down the connection.
package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/teachme-labs/teachme-live/internal/protocol"
	"github.com/teachme-labs/teachme-live/pkg/provider/tts"
)

const (
	// chunkBytes is ~200 ms of 16-bit mono PCM at 24 kHz.
	chunkBytes = 9600

	// interChunkYield gives the endpoint loop room to deliver BARGE_IN
	// between chunks.
	interChunkYield = 10 * time.Millisecond
)

// Emitter sends protocol frames to the client. Implementations must be safe
// for concurrent use; send errors on a closed connection are the
// implementation's to swallow or report.
type Emitter interface {
	SendJSON(t protocol.MsgType, v any) error
	SendBinary(t protocol.MsgType, payload []byte) error
}

// Speaker synthesizes one utterance per turn and streams it as fixed-size
// AUDIO_CHUNK frames followed by AUDIO_COMPLETE.
type Speaker struct {
	synth tts.Synthesizer

	sampleRate int
	chunk      int
	yield      time.Duration
}

// NewSpeaker wraps a synthesizer for chunked streaming at the given output
// sample rate.
func NewSpeaker(synth tts.Synthesizer, sampleRateHz int) *Speaker {
	return &Speaker{
		synth:      synth,
		sampleRate: sampleRateHz,
		chunk:      chunkBytes,
		yield:      interChunkYield,
	}
}

// Speak renders text and streams the PCM to emit. fence is consulted before
// every chunk send and before the terminal AUDIO_COMPLETE; once it reports
// false the stream stops silently. Synthesis errors are returned; a fenced-off
// stop is not an error.
func (s *Speaker) Speak(ctx context.Context, emit Emitter, text, language string, fence func() bool) error {
	pcm, err := s.synth.Synthesize(ctx, text, tts.Voice{
		Language:     language,
		SampleRateHz: s.sampleRate,
	})
	if err != nil {
		return fmt.Errorf("turn: synthesize: %w", err)
	}

	for off := 0; off < len(pcm); off += s.chunk {
		if ctx.Err() != nil || !fence() {
			return nil
		}
		end := off + s.chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := emit.SendBinary(protocol.MsgAudioChunk, pcm[off:end]); err != nil {
			return fmt.Errorf("turn: send audio chunk: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.yield):
		}
	}

	if ctx.Err() != nil || !fence() {
		return nil
	}
	return emit.SendJSON(protocol.MsgAudioComplete, struct{}{})
}
