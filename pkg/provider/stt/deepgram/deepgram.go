// Package deepgram provides a Deepgram-backed recognizer using the Deepgram
// streaming WebSocket API. It implements the stt.Recognizer interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/teachme-labs/teachme-live/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(r *Recognizer) {
		r.language = language
	}
}

// WithSampleRate sets the recognizer-level default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(r *Recognizer) {
		r.sampleRate = rate
	}
}

// Recognizer implements stt.Recognizer backed by the Deepgram streaming API.
type Recognizer struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

var _ stt.Recognizer = (*Recognizer)(nil)

// New creates a new Deepgram Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// StreamingRecognize prepares a streaming transcription session. The WebSocket
// is dialled on the stream's first Recv, not here, so an unconsumed stream
// costs nothing.
func (r *Recognizer) StreamingRecognize(ctx context.Context, cfg stt.StreamConfig, requests stt.RequestSource) (stt.ResponseStream, error) {
	if requests == nil {
		return nil, errors.New("deepgram: requests must not be nil")
	}
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	return &stream{
		ctx:      ctx,
		url:      wsURL,
		apiKey:   r.apiKey,
		requests: requests,
		results:  make(chan stt.Result, 64),
		done:     make(chan struct{}),
	}, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (r *Recognizer) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = r.language
	}
	sr := cfg.SampleRateHz
	if sr == 0 {
		sr = r.sampleRate
	}
	model := cfg.Model
	if model == "" {
		model = r.model
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── stream ──────────────────────────────────────────────────────────────────

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is one live Deepgram session. It implements stt.ResponseStream.
type stream struct {
	ctx      context.Context
	url      string
	apiKey   string
	requests stt.RequestSource

	startOnce sync.Once
	startErr  error
	conn      *websocket.Conn

	results chan stt.Result
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	errMu   sync.Mutex
	readErr error
}

// Recv establishes the WebSocket on first call, then blocks for the next
// recognition result. Returns io.EOF after the server closes the flushed
// stream.
func (s *stream) Recv(ctx context.Context) (stt.Result, error) {
	s.startOnce.Do(s.start)
	if s.startErr != nil {
		return stt.Result{}, s.startErr
	}

	select {
	case res, ok := <-s.results:
		if !ok {
			return stt.Result{}, s.err()
		}
		return res, nil
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
}

// start dials Deepgram and launches the write and read loops. The write loop
// pulls from the caller's request source; the read loop feeds the results
// channel.
func (s *stream) start() {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.apiKey)

	conn, _, err := websocket.Dial(s.ctx, s.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		s.startErr = fmt.Errorf("deepgram: dial: %w", err)
		close(s.results)
		return
	}
	s.conn = conn

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
}

// writeLoop pulls frames from the request source and sends them as binary
// messages. When the source ends it asks Deepgram to flush and close.
func (s *stream) writeLoop() {
	defer s.wg.Done()
	for {
		frame, ok := s.requests.Next(s.ctx)
		if !ok {
			// Flush pending audio; the server answers with remaining results
			// and a close frame that ends the read loop.
			_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.conn.Write(s.ctx, websocket.MessageBinary, frame); err != nil {
			return
		}
	}
}

// readLoop receives JSON messages and dispatches parsed results.
func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.setErr(err)
			return
		}

		res, ok := parseResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- res:
		case <-s.done:
			return
		}
	}
}

// setErr records the terminal stream error. Normal closure maps to io.EOF.
func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr != nil {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.readErr = io.EOF
	default:
		if errors.Is(err, context.Canceled) {
			s.readErr = io.EOF
			return
		}
		s.readErr = fmt.Errorf("deepgram: read: %w", err)
	}
}

// err returns the terminal error, defaulting to io.EOF.
func (s *stream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr == nil {
		return io.EOF
	}
	return s.readErr
}

// Close terminates the session. Safe to call before the first Recv.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close(websocket.StatusNormalClosure, "stream closed")
			s.wg.Wait()
		}
	})
	return nil
}

// parseResponse parses a raw Deepgram WebSocket message into a Result.
// Returns (Result, true) on success, or (zero, false) if the message should be
// ignored.
func parseResponse(data []byte) (stt.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Result{}, false
	}
	if resp.Type != "Results" {
		return stt.Result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return stt.Result{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		IsFinal:    resp.IsFinal,
	}, true
}
