// Package stt defines the Recognizer interface for streaming Speech-to-Text
// backends.
//
// The contract mirrors how request-generator RPCs behave: the remote call is
// not started when [Recognizer.StreamingRecognize] returns, but on the first
// pull of the returned [ResponseStream]. The recognizer owns a write loop that
// drains the caller-supplied [RequestSource]; the caller owns when that source
// ends (returning ok=false terminates the stream cleanly, flushing pending
// audio).
//
// Implementations must be safe for concurrent use across streams; a single
// stream is driven by one consumer.
package stt

import "context"

// StreamConfig describes one streaming recognition session.
type StreamConfig struct {
	// Language is the BCP-47 recognition language (e.g., "en", "ko").
	Language string

	// SampleRateHz is the PCM16 sample rate of the request audio.
	SampleRateHz int

	// Model optionally selects a recognizer model.
	Model string

	// InterimResults requests in-progress hypotheses in addition to finals.
	InterimResults bool
}

// Result is one recognition hypothesis.
type Result struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// RequestSource supplies the audio frames of one utterance stream.
type RequestSource interface {
	// Next blocks until a frame is available and returns it. Returning
	// ok=false ends the request side of the stream; the recognizer then
	// flushes and delivers any remaining results before EOS.
	Next(ctx context.Context) (frame []byte, ok bool)
}

// ResponseStream delivers recognition results for one stream.
type ResponseStream interface {
	// Recv blocks for the next result. It returns io.EOF after the recognizer
	// has flushed all results following request-side termination, or the
	// transport error that ended the stream.
	//
	// The remote call is established on the first Recv; constructing the
	// stream is side-effect free.
	Recv(ctx context.Context) (Result, error)

	// Close tears the stream down. Safe to call multiple times and
	// concurrently with Recv.
	Close() error
}

// Recognizer is the abstraction over any streaming STT backend.
type Recognizer interface {
	// StreamingRecognize prepares a recognition stream over the given request
	// source. No network traffic happens until the returned stream's first
	// Recv.
	StreamingRecognize(ctx context.Context, cfg StreamConfig, requests RequestSource) (ResponseStream, error)
}
