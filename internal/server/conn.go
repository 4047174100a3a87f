package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/teachme-labs/teachme-live/internal/config"
	"github.com/teachme-labs/teachme-live/internal/protocol"
	"github.com/teachme-labs/teachme-live/internal/recognize"
	"github.com/teachme-labs/teachme-live/internal/session"
	"github.com/teachme-labs/teachme-live/internal/turn"
	"github.com/teachme-labs/teachme-live/pkg/provider/stt"
)

const (
	// writeTimeout bounds a single frame write on the socket.
	writeTimeout = 10 * time.Second

	// readLimit must admit IMAGE_UPLOAD frames, which carry whole base64
	// images.
	readLimit = 8 << 20
)

// wsEmitter serializes server→client frame writes on one socket.
type wsEmitter struct {
	mu   sync.Mutex
	sock *websocket.Conn
}

var _ turn.Emitter = (*wsEmitter)(nil)

func (e *wsEmitter) SendJSON(t protocol.MsgType, v any) error {
	frame, err := protocol.EncodeJSON(t, v)
	if err != nil {
		return fmt.Errorf("server: encode %s: %w", t, err)
	}
	return e.write(frame)
}

func (e *wsEmitter) SendBinary(t protocol.MsgType, payload []byte) error {
	return e.write(protocol.Encode(t, payload))
}

func (e *wsEmitter) write(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return e.sock.Write(ctx, websocket.MessageBinary, frame)
}

// conn is the per-connection state: the socket, its session, and the
// recognizer adapter feeding off the session's audio queue.
type conn struct {
	srv  *Server
	sock *websocket.Conn
	emit *wsEmitter
	sess *session.Session

	adapter *recognize.Adapter

	// turnOpen tracks whether audio frames belong to an already-begun turn.
	// The read loop writes it; the recognizer's final callback clears it.
	turnOpen atomic.Bool

	log *slog.Logger
}

// handleWS upgrades the request and runs the connection to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	sock.SetReadLimit(readLimit)

	c := &conn{
		srv:  s,
		sock: sock,
		emit: &wsEmitter{sock: sock},
		log:  s.log,
	}
	c.serve(r.Context())
}

// serve runs the handshake, the recognizer, and the single read loop. It
// returns when the client disconnects, a protocol error closes the
// connection, or the session scope ends.
func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.sock.Close(websocket.StatusNormalClosure, "session closed")

	if err := c.handshake(ctx); err != nil {
		c.log.Warn("handshake failed", "error", err)
		_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		c.sock.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	c.log = c.log.With("session_id", c.sess.ID)
	c.log.Info("session opened",
		"target_language", c.sess.TargetLanguage,
		"translator_mode", c.sess.TranslatorMode,
	)

	c.srv.activeSessions.Add(1)
	c.srv.metrics.ActiveSessions.Add(ctx, 1)
	c.startRecognizer(ctx)
	defer c.cleanup()

	for {
		mt, payload, err := c.readFrame(ctx)
		if err != nil {
			return
		}
		if fatal := c.dispatch(ctx, mt, payload); fatal {
			c.sock.Close(websocket.StatusPolicyViolation, "protocol error")
			return
		}
	}
}

// handshake reads the INIT frame, creates the session, and acks CONNECTED.
// A session id is generated when the client does not supply one.
func (c *conn) handshake(ctx context.Context) error {
	mt, payload, err := c.readFrame(ctx)
	if err != nil {
		return fmt.Errorf("server: read INIT: %w", err)
	}
	if mt != protocol.MsgInit {
		return fmt.Errorf("server: expected INIT, got %s", mt)
	}

	var init protocol.InitPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &init); err != nil {
			return fmt.Errorf("server: decode INIT: %w", err)
		}
	}

	id := init.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	lang := c.srv.cfg.Session.TargetLanguage
	if init.TargetLanguage != "" {
		l := config.Language(init.TargetLanguage)
		if !l.IsValid() {
			return fmt.Errorf("server: target_language %q is not supported", init.TargetLanguage)
		}
		lang = l
	}
	translator := c.srv.cfg.Session.TranslatorMode
	if init.TranslatorMode != nil {
		translator = *init.TranslatorMode
	}

	c.sess = session.New(id, string(lang), translator, c.srv.cfg.Session.MaxAudioFrames)
	return c.emit.SendJSON(protocol.MsgConnected, protocol.ConnectedPayload{SessionID: id})
}

// readFrame reads one binary WebSocket message and decodes the protocol frame.
// Transport errors end the connection; decode errors are reported to the
// client and then end it too.
func (c *conn) readFrame(ctx context.Context) (protocol.MsgType, []byte, error) {
	typ, data, err := c.sock.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ != websocket.MessageBinary {
		_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: "protocol: expected a binary frame",
			Code:    http.StatusBadRequest,
		})
		return 0, nil, fmt.Errorf("server: unexpected %v message", typ)
	}
	mt, payload, err := protocol.Decode(data)
	if err != nil {
		_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return 0, nil, err
	}
	return mt, payload, nil
}

// startRecognizer builds a fresh adapter for the session's current language
// and starts its producer loop over the session audio queue. Interim results
// go straight to the client; finals hand off to the orchestrator and close
// the accounting for the turn that produced them.
func (c *conn) startRecognizer(ctx context.Context) {
	streamCfg := stt.StreamConfig{
		Language:       c.sess.TargetLanguage,
		SampleRateHz:   c.srv.cfg.STT.SampleRateHz,
		Model:          c.srv.cfg.STT.Model,
		InterimResults: true,
	}
	callbacks := recognize.Callbacks{
		OnInterim: func(text string) {
			_ = c.emit.SendJSON(protocol.MsgTranscriptInterim, protocol.TranscriptInterimPayload{Text: text})
		},
		OnFinal: func(text string, confidence float64) {
			c.turnOpen.Store(false)
			c.srv.orch.HandleFinalTranscript(ctx, c.sess, c.emit, text, confidence)
		},
	}
	c.adapter = recognize.New(c.srv.recognizer, streamCfg, callbacks,
		recognize.WithSilenceTimeout(time.Duration(c.srv.cfg.STT.SilenceMs)*time.Millisecond),
		recognize.WithLogger(c.log),
	)
	go c.adapter.Run(ctx, c.sess.Audio())
}

// dispatch routes one decoded frame. It returns true when the frame is fatal
// to the connection.
func (c *conn) dispatch(ctx context.Context, mt protocol.MsgType, payload []byte) bool {
	switch mt {
	case protocol.MsgAudioFrame:
		c.handleAudioFrame(ctx, payload)

	case protocol.MsgSpeechStart:
		c.sess.BeginTurn(time.Now())
		c.turnOpen.Store(true)
		c.sess.IncrementGeneration()
		c.sess.CancelActive()

	case protocol.MsgBargeIn:
		// Supersede the in-flight turn; the recognizer keeps running.
		c.sess.IncrementGeneration()
		c.sess.CancelActive()

	case protocol.MsgSpeechEnd:
		c.log.Debug("speech end", "turn_id", c.sess.TurnID())

	case protocol.MsgConfigUpdate:
		c.handleConfigUpdate(ctx, payload)

	case protocol.MsgImageUpload:
		c.handleImageUpload(payload)

	case protocol.MsgRequestNotes:
		go c.srv.orch.GenerateNotes(ctx, c.sess, c.emit)

	case protocol.MsgInit:
		// Duplicate INIT re-acks the existing session.
		_ = c.emit.SendJSON(protocol.MsgConnected, protocol.ConnectedPayload{SessionID: c.sess.ID})

	default:
		_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: fmt.Sprintf("%v: %s", protocol.ErrUnknownType, mt),
			Code:    http.StatusBadRequest,
		})
		return true
	}
	return false
}

// handleAudioFrame enforces the per-turn byte and duration caps, then offers
// the frame to the session queue. The first frame with no open turn begins
// one.
func (c *conn) handleAudioFrame(ctx context.Context, frame []byte) {
	now := time.Now()
	if !c.turnOpen.Load() {
		c.sess.BeginTurn(now)
		c.turnOpen.Store(true)
	}

	total := c.sess.AddTurnAudio(len(frame))
	maxDur := time.Duration(c.srv.cfg.Session.TurnMaxSeconds) * time.Second
	if total > c.srv.cfg.Session.MaxAudioBytes || now.Sub(c.sess.TurnStartedAt()) > maxDur {
		c.turnOpen.Store(false)
		c.sess.DrainAudio()
		_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: "audio for this turn exceeds the configured limits",
			Code:    http.StatusRequestEntityTooLarge,
		})
		return
	}

	if !c.sess.EnqueueAudio(frame) {
		c.srv.stats.AddDroppedFrames(1)
		c.srv.metrics.DroppedAudioFrames.Add(ctx, 1)
	}
	c.sess.TouchAudio(now)
}

// handleConfigUpdate applies language and translator-mode changes. A language
// change tears down the recognizer adapter and starts a new one so subsequent
// utterances are recognized in the new language.
func (c *conn) handleConfigUpdate(ctx context.Context, payload []byte) {
	var p protocol.InitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: "config update: " + err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	if p.TranslatorMode != nil {
		c.sess.TranslatorMode = *p.TranslatorMode
	}
	if p.TargetLanguage != "" {
		lang := config.Language(p.TargetLanguage)
		if !lang.IsValid() {
			_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
				Message: fmt.Sprintf("config update: target_language %q is not supported", p.TargetLanguage),
				Code:    http.StatusBadRequest,
			})
			return
		}
		if string(lang) != c.sess.TargetLanguage {
			c.sess.TargetLanguage = string(lang)
			c.adapter.Close()
			c.startRecognizer(ctx)
			c.log.Info("recognizer language switched", "target_language", lang)
		}
	}

	_ = c.emit.SendJSON(protocol.MsgConfigUpdated, protocol.StatusPayload{Status: "ok"})
}

// handleImageUpload decodes the uploaded image and stores it on the session
// for the next image-intent turn.
func (c *conn) handleImageUpload(payload []byte) {
	var p protocol.ImageUploadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: "image upload: " + err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}
	data, mediaType, err := decodeImageData(p.ImageData)
	if err != nil {
		_ = c.emit.SendJSON(protocol.MsgError, protocol.ErrorPayload{
			Message: "image upload: " + err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	c.sess.SetImage(&session.Image{Data: data, MediaType: mediaType})
	c.log.Info("image stored", "bytes", len(data), "media_type", mediaType)
	_ = c.emit.SendJSON(protocol.MsgImageReceived, protocol.StatusPayload{Status: "ready"})
}

// decodeImageData accepts either a data URL ("data:image/png;base64,....") or
// bare base64. Bare payloads fall back to image/jpeg.
func decodeImageData(s string) ([]byte, string, error) {
	mediaType := "image/jpeg"
	b64 := s
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data URL")
		}
		if mt, _, _ := strings.Cut(header, ";"); mt != "" {
			mediaType = mt
		}
		b64 = body
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image")
	}
	return data, mediaType, nil
}

// cleanup runs on disconnect: cancel in-flight work, drain the queue, stop the
// recognizer, and release the session slot.
func (c *conn) cleanup() {
	c.sess.Close()
	if c.adapter != nil {
		c.adapter.Close()
	}
	c.srv.activeSessions.Add(-1)
	c.srv.metrics.ActiveSessions.Add(context.Background(), -1)
	c.log.Info("session closed", "dropped_frames", c.sess.DroppedFrames())
}
