package recognize

import "context"

// requestQueueCap bounds each per-utterance queue. Frames beyond this are
// dropped by push; the session-level queue upstream is the primary
// backpressure point, so overflow here means the recognizer stalled.
const requestQueueCap = 256

// requestQueue is the pinned per-utterance request queue a single worker
// reads. A nil frame is the sentinel: it terminates the reader cleanly and is
// never forwarded to the recognizer, which would reject an empty audio
// payload as malordered data.
type requestQueue struct {
	ch chan []byte
}

func newRequestQueue() *requestQueue {
	return &requestQueue{ch: make(chan []byte, requestQueueCap)}
}

// push offers a frame (or the nil sentinel) without blocking.
func (q *requestQueue) push(frame []byte) bool {
	select {
	case q.ch <- frame:
		return true
	default:
		return false
	}
}

// Next implements stt.RequestSource. The sentinel ends the stream.
func (q *requestQueue) Next(ctx context.Context) ([]byte, bool) {
	select {
	case frame := <-q.ch:
		if frame == nil {
			return nil, false
		}
		return frame, true
	case <-ctx.Done():
		return nil, false
	}
}
