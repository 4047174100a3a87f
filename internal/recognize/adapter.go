// Package recognize segments a session's continuous audio stream into
// utterances against a streaming recognizer.
//
// The recognizer's remote call only starts when its response stream is first
// pulled, so the adapter runs stream setup and response iteration in one
// worker goroutine. The producer (the [Adapter.Run] loop) owns the worker
// lifecycle: it pins a fresh request queue per utterance, starts at most one
// worker at a time, endpoints on silence, and rotates the stream between
// utterances. A nil-frame sentinel terminates a worker's queue cleanly.
//
// Two invariants hold at all times, both serialized under the adapter mutex:
// the pinned queue is non-nil exactly while its worker is alive, and every
// frame of an utterance lands on that utterance's pinned queue — a restart
// publishes a fresh queue before any frame of the next utterance is accepted.
package recognize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/teachme-labs/teachme-live/pkg/provider/stt"
)

// workerExitWait bounds how long a stream rotation waits for the dying worker
// to drain and exit.
const workerExitWait = 3 * time.Second

// silencePollInterval is how often the producer loop re-checks the silence
// timer while no frames arrive.
const silencePollInterval = 100 * time.Millisecond

// Callbacks receive recognition results. They are invoked from the adapter's
// worker goroutine and must not block beyond handing the result off.
type Callbacks struct {
	// OnInterim is called for each in-progress hypothesis.
	OnInterim func(text string)

	// OnFinal is called once per utterance with the recognizer's final
	// hypothesis and its confidence.
	OnFinal func(text string, confidence float64)
}

// Option is a functional option for configuring the Adapter.
type Option func(*Adapter)

// WithSilenceTimeout overrides the endpointing silence timeout.
func WithSilenceTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.silence = d
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) {
		a.log = log
	}
}

// Adapter drives one recognizer on behalf of one session.
type Adapter struct {
	recognizer stt.Recognizer
	cfg        stt.StreamConfig
	callbacks  Callbacks
	silence    time.Duration
	log        *slog.Logger

	stop     chan struct{} // session-scoped shutdown, distinct from turn cancellation
	stopOnce sync.Once

	mu          sync.Mutex
	active      bool
	activeQueue *requestQueue // pinned to the live worker; nil iff no worker
	runner      *worker
	nextQueue   *requestQueue // published by a rotation for the next utterance
	lastAudioAt time.Time
}

// worker is the single goroutine that opens the recognition stream and
// iterates its responses.
type worker struct {
	queue *requestQueue
	done  chan struct{}
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// New creates an Adapter over the given recognizer. No stream is opened until
// the first frame arrives in [Adapter.Run].
func New(rec stt.Recognizer, cfg stt.StreamConfig, callbacks Callbacks, opts ...Option) *Adapter {
	a := &Adapter{
		recognizer: rec,
		cfg:        cfg,
		callbacks:  callbacks,
		silence:    1200 * time.Millisecond,
		log:        slog.Default(),
		stop:       make(chan struct{}),
		active:     true,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run is the producer loop. It consumes frames until the channel closes, ctx
// is cancelled, or [Adapter.Close] is called, dispatching each frame to the
// pinned queue and endpointing on silence.
func (a *Adapter) Run(ctx context.Context, frames <-chan []byte) {
	ticker := time.NewTicker(silencePollInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			a.dispatch(ctx, frame)
		case <-ticker.C:
			if a.silenceExpired() {
				a.CloseAndRestartStream()
			}
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes one frame to the current utterance's pinned queue, starting
// a worker when none is alive. Queue pinning and the start decision happen
// atomically under the adapter lock; the first frame is enqueued before the
// worker starts so its first pull yields immediately.
func (a *Adapter) dispatch(ctx context.Context, frame []byte) {
	a.mu.Lock()

	if !a.active {
		a.mu.Unlock()
		return
	}
	a.lastAudioAt = time.Now()

	// A previous worker may have died (recognizer error or EOS) or be
	// draining after a rotation. Reap it here; a new worker may only start
	// once it is gone.
	if a.runner != nil && a.runner.exited() {
		a.runner = nil
		a.activeQueue = nil
	}

	if a.runner != nil {
		// Live worker: frames belong to its pinned utterance — unless a
		// rotation already published the next queue, in which case this frame
		// opens the next utterance and buffers until the old worker exits.
		target := a.activeQueue
		if a.nextQueue != nil {
			target = a.nextQueue
		}
		if !target.push(frame) {
			a.log.Warn("recognizer request queue full, dropping frame")
		}
		a.mu.Unlock()
		return
	}

	// No worker: pin a queue (preferring one published by a rotation),
	// enqueue the frame, then start.
	queue := a.nextQueue
	a.nextQueue = nil
	if queue == nil {
		queue = newRequestQueue()
	}
	queue.push(frame)

	w := &worker{queue: queue, done: make(chan struct{})}
	a.activeQueue = queue
	a.runner = w
	a.mu.Unlock()

	go a.runWorker(ctx, w)
}

// runWorker opens the stream over the worker's pinned queue and iterates
// responses until EOS or error. Setup and iteration share one goroutine: the
// remote call starts on the first Recv, and splitting them would add a full
// round trip of startup stall.
func (a *Adapter) runWorker(ctx context.Context, w *worker) {
	defer close(w.done)

	stream, err := a.recognizer.StreamingRecognize(ctx, a.cfg, w.queue)
	if err != nil {
		a.log.Warn("recognizer stream start failed", "err", err)
		return
	}
	defer stream.Close()

	for {
		res, err := stream.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				a.log.Warn("recognizer stream error", "err", err)
			}
			return
		}
		if a.stopped() || res.Text == "" {
			continue
		}
		if res.IsFinal {
			a.callbacks.OnFinal(res.Text, res.Confidence)
		} else {
			a.callbacks.OnInterim(res.Text)
		}
	}
}

// silenceExpired reports whether the live worker's utterance has gone silent
// past the endpointing timeout.
func (a *Adapter) silenceExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner == nil || a.runner.exited() {
		return false
	}
	return !a.lastAudioAt.IsZero() && time.Since(a.lastAudioAt) >= a.silence
}

// CloseAndRestartStream endpoints the current utterance: it publishes a fresh
// queue for subsequent frames, pushes the sentinel into the dying worker's
// queue, and waits (bounded) for the worker to drain and exit. Rotation also
// bounds recognizer-internal state growth on long sessions.
func (a *Adapter) CloseAndRestartStream() {
	a.mu.Lock()
	w := a.runner
	old := a.activeQueue
	if w == nil || old == nil {
		a.mu.Unlock()
		return
	}
	if a.nextQueue == nil {
		a.nextQueue = newRequestQueue()
	}
	a.mu.Unlock()

	// Outside the lock: the worker may need to flush against the recognizer
	// before it exits, and frames for the next utterance must keep flowing
	// into the published queue meanwhile.
	old.push(nil)
	exited := a.waitForExit(w, workerExitWait)

	a.mu.Lock()
	if exited && a.runner == w {
		a.runner = nil
		a.activeQueue = nil
	}
	a.mu.Unlock()

	if !exited {
		a.log.Warn("recognizer worker did not exit within rotation window")
	}
}

func (a *Adapter) waitForExit(w *worker, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

func (a *Adapter) stopped() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

// Close shuts the adapter down for good: session scope, not turn scope. It
// signals the producer and worker, pushes the sentinel into whichever queue is
// current (harmless when no worker exists yet), and resets the pointers.
func (a *Adapter) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)

		a.mu.Lock()
		a.active = false
		queue := a.activeQueue
		if queue == nil {
			queue = a.nextQueue
		}
		w := a.runner
		a.activeQueue = nil
		a.nextQueue = nil
		a.runner = nil
		a.mu.Unlock()

		if queue != nil {
			queue.push(nil)
		}
		if w != nil {
			a.waitForExit(w, workerExitWait)
		}
	})
}
