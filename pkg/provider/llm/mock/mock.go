// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests the orchestrator and
// enforcer build and to feed controlled responses without a live backend.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CreateResponses: []*llm.Response{{Text: `{"answer":"hi", ...}`}},
//	}
//	resp, err := p.Create(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/teachme-labs/teachme-live/pkg/provider/llm"
)

// CreateCall records a single invocation of Create.
type CreateCall struct {
	// Ctx is the context passed to Create.
	Ctx context.Context
	// Req is the Request passed to Create.
	Req llm.Request
}

// StreamCall records a single invocation of StreamText.
type StreamCall struct {
	// Ctx is the context passed to StreamText.
	Ctx context.Context
	// Req is the Request passed to StreamText.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CreateResponses is returned by successive Create calls in order. The
	// last entry repeats once the list is exhausted. Nil entries return
	// (nil, nil).
	CreateResponses []*llm.Response

	// CreateErr, if non-nil, is returned by every Create call instead of a
	// response.
	CreateErr error

	// CreateDelay, when positive, makes Create block this long (or until the
	// context is done). Use it to exercise turn-budget timeouts.
	CreateDelay time.Duration

	// StreamDeltas is the sequence of text fragments passed to onDelta by
	// StreamText before it returns StreamResponse.
	StreamDeltas []string

	// StreamResponse is returned by StreamText. When nil, a Response whose
	// Text is the concatenated deltas is synthesized.
	StreamResponse *llm.Response

	// StreamErr, if non-nil, is returned by StreamText before any delta.
	StreamErr error

	// --- Call records (read after test) ---

	// CreateCalls records every invocation of Create in order.
	CreateCalls []CreateCall

	// StreamCalls records every invocation of StreamText in order.
	StreamCalls []StreamCall
}

var _ llm.Provider = (*Provider)(nil)

// Create records the call and returns the next scripted response.
func (p *Provider) Create(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.CreateCalls = append(p.CreateCalls, CreateCall{Ctx: ctx, Req: req})
	n := len(p.CreateCalls)
	delay := p.CreateDelay
	err := p.CreateErr
	var resp *llm.Response
	if len(p.CreateResponses) > 0 {
		i := n - 1
		if i >= len(p.CreateResponses) {
			i = len(p.CreateResponses) - 1
		}
		resp = p.CreateResponses[i]
	}
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return resp, nil
}

// StreamText records the call, plays the scripted deltas, and returns
// StreamResponse.
func (p *Provider) StreamText(ctx context.Context, req llm.Request, onDelta func(string)) (*llm.Response, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	deltas := append([]string(nil), p.StreamDeltas...)
	resp := p.StreamResponse
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	full := ""
	for _, d := range deltas {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if onDelta != nil {
			onDelta(d)
		}
		full += d
	}
	if resp == nil {
		resp = &llm.Response{
			Text:       full,
			Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: full}},
			StopReason: llm.StopEndTurn,
		}
	}
	return resp, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCalls = nil
	p.StreamCalls = nil
}
