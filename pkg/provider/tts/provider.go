// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// The tutor pipeline synthesizes one complete utterance per turn and chunks
// the result itself, so the interface is batch: one call, one PCM buffer.
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice selects how an utterance is rendered.
type Voice struct {
	// Language is the BCP-47 language of the utterance (e.g., "en", "ko").
	Language string

	// Speaker optionally selects a backend speaker id. Empty uses the
	// backend's default for the language.
	Speaker string

	// SampleRateHz is the desired output PCM16 sample rate. Zero keeps the
	// backend's native rate.
	SampleRateHz int
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders text as 16-bit mono PCM at the voice's sample rate.
	// Returns a non-nil error when synthesis fails; an empty text input
	// yields an empty buffer and no error.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}
