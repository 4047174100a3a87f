// Package llm defines the Provider interface for Large Language Model
// backends.
//
// A provider wraps a remote model API and presents two entry points: Create
// for single-shot completions that may carry tool definitions, and StreamText
// for token-streamed text completions. Content is exchanged as vendor-neutral
// [ContentBlock] records so that assistant turns (including tool_use blocks)
// can be fed back verbatim as prior context in tool-iteration loops.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Create performs a single completion call. Tools listed in the request
	// are offered to the model; a response whose StopReason is
	// [StopToolUse] carries tool_use blocks the caller must execute and feed
	// back. Implementations apply their own per-call deadline and model
	// fallback policy.
	Create(ctx context.Context, req Request) (*Response, error)

	// StreamText performs a completion with token streaming, invoking onDelta
	// for each text fragment as it arrives. The returned Response carries the
	// accumulated full text and usage. Tools must not be set on a streamed
	// request.
	StreamText(ctx context.Context, req Request, onDelta func(text string)) (*Response, error)
}
