// Package mock provides a test double for the stt.Recognizer interface.
//
// Use Recognizer in unit tests to verify stream lifecycle behaviour: it
// records every stream start and every frame pulled from the caller's request
// source, and plays back scripted results without a live recognition backend.
//
// Example:
//
//	r := &mock.Recognizer{
//	    Scripts: [][]mock.ScriptedResult{
//	        {{Result: stt.Result{Text: "hello", Confidence: 0.9, IsFinal: true}}},
//	    },
//	}
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/teachme-labs/teachme-live/pkg/provider/stt"
)

// ScriptedResult is one recognition result the mock will emit.
type ScriptedResult struct {
	stt.Result

	// AfterFrames, when positive, emits the result as soon as that many
	// frames have been consumed from the request source. When zero, the
	// result is emitted after the request source ends — mirroring a backend
	// that flushes on stream close.
	AfterFrames int
}

// StreamRecord captures the observable life of one mock stream.
type StreamRecord struct {
	mu sync.Mutex

	// Cfg is the StreamConfig the stream was started with.
	Cfg stt.StreamConfig

	started bool
	frames  [][]byte
	ended   bool
}

// Started reports whether the stream's first Recv has happened (i.e. whether
// the "remote call" was established).
func (r *StreamRecord) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Frames returns a copy of the frames consumed from the request source so far.
func (r *StreamRecord) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

// Ended reports whether the request source has terminated (ok=false).
func (r *StreamRecord) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Scripts holds the results for each stream in start order. The first
	// stream plays Scripts[0], the second Scripts[1], and so on; streams
	// beyond the script list emit nothing and end with io.EOF.
	Scripts [][]ScriptedResult

	// StartErr, if non-nil, is returned from StreamingRecognize.
	StartErr error

	// RecvErr, if non-nil, terminates every stream with this error instead of
	// io.EOF.
	RecvErr error

	streams []*StreamRecord
}

var _ stt.Recognizer = (*Recognizer)(nil)

// StreamingRecognize records the stream and returns a scripted ResponseStream.
// Like the real backend, nothing is consumed from requests until the first
// Recv.
func (m *Recognizer) StreamingRecognize(ctx context.Context, cfg stt.StreamConfig, requests stt.RequestSource) (stt.ResponseStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return nil, m.StartErr
	}

	rec := &StreamRecord{Cfg: cfg}
	var script []ScriptedResult
	if len(m.streams) < len(m.Scripts) {
		script = m.Scripts[len(m.streams)]
	}
	m.streams = append(m.streams, rec)

	return &stream{
		ctx:      ctx,
		requests: requests,
		record:   rec,
		script:   script,
		recvErr:  m.RecvErr,
		results:  make(chan stt.Result, 16),
		done:     make(chan struct{}),
	}, nil
}

// Streams returns the records of all streams started so far.
func (m *Recognizer) Streams() []*StreamRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*StreamRecord, len(m.streams))
	copy(out, m.streams)
	return out
}

// StreamCount returns how many streams were started.
func (m *Recognizer) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// ─── stream ──────────────────────────────────────────────────────────────────

type stream struct {
	ctx      context.Context
	requests stt.RequestSource
	record   *StreamRecord
	script   []ScriptedResult
	recvErr  error

	startOnce sync.Once
	results   chan stt.Result
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) Recv(ctx context.Context) (stt.Result, error) {
	s.startOnce.Do(func() {
		s.record.mu.Lock()
		s.record.started = true
		s.record.mu.Unlock()
		go s.run()
	})

	select {
	case res, ok := <-s.results:
		if !ok {
			if s.recvErr != nil {
				return stt.Result{}, s.recvErr
			}
			return stt.Result{}, io.EOF
		}
		return res, nil
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
}

// run plays the part of the backend: consume the request source, recording
// every frame, emitting mid-stream results at their scheduled points and the
// rest after the source ends.
func (s *stream) run() {
	defer close(s.results)

	pending := make([]ScriptedResult, len(s.script))
	copy(pending, s.script)

	consumed := 0
	for {
		frame, ok := s.requests.Next(s.ctx)
		if !ok {
			break
		}
		consumed++
		s.record.mu.Lock()
		s.record.frames = append(s.record.frames, frame)
		s.record.mu.Unlock()

		rest := pending[:0]
		for _, sr := range pending {
			if sr.AfterFrames > 0 && consumed >= sr.AfterFrames {
				if !s.emit(sr.Result) {
					return
				}
				continue
			}
			rest = append(rest, sr)
		}
		pending = rest
	}

	s.record.mu.Lock()
	s.record.ended = true
	s.record.mu.Unlock()

	for _, sr := range pending {
		if !s.emit(sr.Result) {
			return
		}
	}
}

func (s *stream) emit(r stt.Result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		return false
	case <-s.ctx.Done():
		return false
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
