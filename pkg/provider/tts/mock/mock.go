// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Synthesizer to feed controlled PCM buffers into the audio streamer and
// to inspect what text was synthesized with which voice.
package mock

import (
	"context"
	"sync"

	"github.com/teachme-labs/teachme-live/pkg/provider/tts"
)

// Call records a single invocation of Synthesize.
type Call struct {
	// Text is the utterance passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice tts.Voice
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// PCM is returned by every Synthesize call. When nil and PCMSize is
	// positive, a zero-filled buffer of that size is returned instead.
	PCM []byte

	// PCMSize sizes the synthesized zero-filled buffer when PCM is nil.
	PCMSize int

	// Err, if non-nil, is returned by Synthesize instead of audio.
	Err error

	// Calls records every invocation in order.
	Calls []Call
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesize records the call and returns the configured PCM buffer.
func (m *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, Call{Text: text, Voice: voice})
	pcm := m.PCM
	size := m.PCMSize
	err := m.Err
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if pcm == nil && size > 0 {
		pcm = make([]byte, size)
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

// Recorded returns a copy of all recorded calls. Thread-safe.
func (m *Synthesizer) Recorded() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.Calls...)
}
