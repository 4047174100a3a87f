package turn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/teachme-labs/teachme-live/internal/agent"
	"github.com/teachme-labs/teachme-live/internal/config"
	"github.com/teachme-labs/teachme-live/internal/observe"
	"github.com/teachme-labs/teachme-live/internal/protocol"
	"github.com/teachme-labs/teachme-live/internal/session"
	"github.com/teachme-labs/teachme-live/internal/tools"
	"github.com/teachme-labs/teachme-live/pkg/provider/llm"
	llmmock "github.com/teachme-labs/teachme-live/pkg/provider/llm/mock"
	ttsmock "github.com/teachme-labs/teachme-live/pkg/provider/tts/mock"
)

const answerJSON = `{"answer":"2+3=5.","steps":["Identify the operator","Add"],"examples":["2+3=5"],"common_mistakes":[],"next_exercises":[]}`

type fixture struct {
	orch  *Orchestrator
	sess  *session.Session
	rec   *frameRecorder
	llm   *llmmock.Provider
	tts   *ttsmock.Synthesizer
	stats *observe.TurnStats
	cfg   *config.Config
}

func newFixture(t *testing.T, provider *llmmock.Provider, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	synth := &ttsmock.Synthesizer{PCMSize: chunkBytes + 100}
	speaker := NewSpeaker(synth, cfg.TTS.SampleRateHz)
	speaker.yield = time.Millisecond

	stats := observe.NewTurnStats(100)
	runtime := agent.NewRuntime(provider, tools.NewRegistry(), cfg)
	orch := New(cfg, runtime, speaker, metrics, stats)

	sess := session.New("sess-1", string(cfg.Session.TargetLanguage), cfg.Session.TranslatorMode, 10)
	sess.BeginTurn(time.Now())

	return &fixture{
		orch:  orch,
		sess:  sess,
		rec:   &frameRecorder{},
		llm:   provider,
		tts:   synth,
		stats: stats,
		cfg:   cfg,
	}
}

func frameTypes(frames []recordedFrame) []protocol.MsgType {
	out := make([]protocol.MsgType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func TestHappyPathOrdering(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamDeltas: []string{answerJSON[:20], answerJSON[20:]}}
	fx := newFixture(t, provider, nil)

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec,
		"What does the word apple mean?", 0.9)
	waitForFrame(t, fx.rec, protocol.MsgNotes)

	frames := fx.rec.all()
	types := frameTypes(frames)

	// TRANSCRIPT_FINAL, DELTA*, DELTA(final), CHUNK*, COMPLETE, NOTES.
	if types[0] != protocol.MsgTranscriptFinal {
		t.Fatalf("first frame = %s, want TRANSCRIPT_FINAL (all: %v)", types[0], types)
	}
	var order []protocol.MsgType
	for _, ft := range types {
		if len(order) == 0 || order[len(order)-1] != ft {
			order = append(order, ft)
		}
	}
	want := []protocol.MsgType{
		protocol.MsgTranscriptFinal,
		protocol.MsgLLMDelta,
		protocol.MsgAudioChunk,
		protocol.MsgAudioComplete,
		protocol.MsgNotes,
	}
	if len(order) != len(want) {
		t.Fatalf("frame order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("frame order = %v, want %v", order, want)
		}
	}

	deltas := fx.rec.ofType(protocol.MsgLLMDelta)
	if len(deltas) != 3 {
		t.Fatalf("deltas = %d, want 2 streamed + 1 sentinel", len(deltas))
	}
	last := deltas[len(deltas)-1]
	if last.JSON["final"] != true || last.JSON["text"] != "" {
		t.Errorf("sentinel delta = %v", last.JSON)
	}

	notes := fx.rec.ofType(protocol.MsgNotes)[0]
	text, _ := notes.JSON["text"].(string)
	if !strings.Contains(text, `"answer": "2+3=5."`) {
		t.Errorf("notes payload = %q", text)
	}

	// History recorded user transcript and assistant speakable text.
	history := fx.sess.RecentHistory(10)
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("history = %+v", history)
	}
	if !strings.Contains(history[1].Text, "Key steps:") {
		t.Errorf("assistant history = %q", history[1].Text)
	}
}

func TestToolTurnEmitsRawTextSentinel(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CreateResponses: []*llm.Response{{
		Text:    answerJSON,
		Content: []llm.ContentBlock{{Type: llm.BlockText, Text: answerJSON}},
	}}}
	fx := newFixture(t, provider, nil)

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec, "What is 2+3?", 0.9)
	waitForFrame(t, fx.rec, protocol.MsgNotes)

	if len(provider.StreamCalls) != 0 {
		t.Fatal("tool-gated turn used streaming")
	}
	deltas := fx.rec.ofType(protocol.MsgLLMDelta)
	if len(deltas) != 1 {
		t.Fatalf("deltas = %d, want exactly the sentinel", len(deltas))
	}
	if deltas[0].JSON["final"] != true || deltas[0].JSON["text"] != answerJSON {
		t.Errorf("sentinel = %v", deltas[0].JSON)
	}
}

func TestLowConfidenceSkipsModel(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	fx := newFixture(t, provider, nil)

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec, "mumbled words", 0.3)
	waitForFrame(t, fx.rec, protocol.MsgAudioComplete)

	if len(provider.CreateCalls)+len(provider.StreamCalls) != 0 {
		t.Fatal("model called despite low confidence")
	}
	deltas := fx.rec.ofType(protocol.MsgLLMDelta)
	if len(deltas) != 1 {
		t.Fatalf("deltas = %d, want 1", len(deltas))
	}
	text, _ := deltas[0].JSON["text"].(string)
	if text != agent.ClarificationText(config.LangEnglish) {
		t.Errorf("clarification = %q", text)
	}
	if got := fx.tts.Recorded(); len(got) != 1 || got[0].Text != text {
		t.Errorf("tts calls = %+v", got)
	}
	if fx.stats.Report(0).LowConfidence != 1 {
		t.Error("low confidence counter not bumped")
	}
	if len(fx.rec.ofType(protocol.MsgNotes)) != 0 {
		t.Error("clarification turn emitted notes")
	}
}

func TestImageGuardWithoutUpload(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	fx := newFixture(t, provider, nil)

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec,
		"What is in the image?", 0.9)
	waitForFrame(t, fx.rec, protocol.MsgAudioComplete)

	if len(provider.CreateCalls)+len(provider.StreamCalls) != 0 {
		t.Fatal("model called despite missing image")
	}
	deltas := fx.rec.ofType(protocol.MsgLLMDelta)
	text, _ := deltas[0].JSON["text"].(string)
	if text != agent.ImageGuardText(config.LangEnglish) {
		t.Errorf("guard text = %q", text)
	}
}

func TestImageAttachedWhenUploadedAndAsked(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamDeltas: []string{answerJSON}}
	fx := newFixture(t, provider, nil)
	fx.sess.SetImage(&session.Image{Data: []byte{0xFF, 0xD8}, MediaType: "image/jpeg"})

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec,
		"What is shown in the image?", 0.9)
	waitForFrame(t, fx.rec, protocol.MsgNotes)

	if len(provider.StreamCalls) != 1 {
		t.Fatalf("stream calls = %d", len(provider.StreamCalls))
	}
	msgs := provider.StreamCalls[0].Req.Messages
	user := msgs[len(msgs)-1]
	if len(user.Content) != 2 || user.Content[1].Type != llm.BlockImage {
		t.Fatalf("user content = %+v, want text+image", user.Content)
	}
	if user.Content[1].ImageMediaType != "image/jpeg" {
		t.Errorf("media type = %q", user.Content[1].ImageMediaType)
	}
}

func TestBudgetTimeoutSpeaksQuickSummary(t *testing.T) {
	t.Parallel()

	// Tool-gated query so the runtime uses Create, which blocks past the
	// budget.
	provider := &llmmock.Provider{CreateDelay: 500 * time.Millisecond}
	fx := newFixture(t, provider, func(cfg *config.Config) {
		cfg.LLM.TimeBudgetMs = 50
	})

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec, "calculate 2+3", 0.9)
	waitForFrame(t, fx.rec, protocol.MsgNotes)

	quick := agent.QuickSummary(config.LangEnglish)
	deltas := fx.rec.ofType(protocol.MsgLLMDelta)
	if len(deltas) != 1 {
		t.Fatalf("deltas = %d, want 1", len(deltas))
	}
	text, _ := deltas[0].JSON["text"].(string)
	if !strings.HasPrefix(text, quick.Answer()) {
		t.Errorf("quick summary delta = %q", text)
	}
	notes, _ := fx.rec.ofType(protocol.MsgNotes)[0].JSON["text"].(string)
	if !strings.Contains(notes, quick.Answer()) {
		t.Errorf("notes = %q", notes)
	}
	if len(fx.rec.ofType(protocol.MsgAudioComplete)) != 1 {
		t.Error("quick summary was not spoken to completion")
	}
}

func TestBargeInSilencesRemainingEmissions(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamDeltas: []string{answerJSON}}
	fx := newFixture(t, provider, nil)
	fx.tts.PCMSize = 6 * chunkBytes

	done := make(chan struct{})
	fired := false
	fx.rec.OnFrame = func(f recordedFrame) {
		if f.Type == protocol.MsgAudioChunk && !fired {
			fired = true
			// Client barge-in: the endpoint advances the fence and cancels
			// active work.
			fx.sess.IncrementGeneration()
			fx.sess.CancelActive()
			close(done)
		}
	}

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec, "tell me a long story", 0.9)
	<-done
	time.Sleep(100 * time.Millisecond)

	if got := len(fx.rec.ofType(protocol.MsgAudioChunk)); got > 2 {
		t.Errorf("chunks after barge-in = %d", got)
	}
	if len(fx.rec.ofType(protocol.MsgAudioComplete)) != 0 {
		t.Error("AUDIO_COMPLETE emitted after barge-in")
	}
	if len(fx.rec.ofType(protocol.MsgNotes)) != 0 {
		t.Error("NOTES emitted after barge-in")
	}
}

func TestModelErrorEmitsErrorFrame(t *testing.T) {
	t.Parallel()

	// A transport-level failure (not the turn budget) surfaces as ERROR.
	provider := &llmmock.Provider{StreamErr: errors.New("connection reset by peer")}
	fx := newFixture(t, provider, nil)

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec, "tell me about apples", 0.9)
	waitForFrame(t, fx.rec, protocol.MsgError)

	errFrame := fx.rec.ofType(protocol.MsgError)[0]
	if code, _ := errFrame.JSON["code"].(float64); code != 500 {
		t.Errorf("error code = %v", errFrame.JSON["code"])
	}
	if len(fx.rec.ofType(protocol.MsgAudioChunk)) != 0 {
		t.Error("audio emitted for a failed turn")
	}
}

func TestGenerateNotesEmitsOnlyNotes(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamDeltas: []string{answerJSON}}
	fx := newFixture(t, provider, nil)
	fx.sess.AppendExchange("user", "What is 2+3?")
	fx.sess.AppendExchange("assistant", "2+3=5.")

	fx.orch.GenerateNotes(context.Background(), fx.sess, fx.rec)

	frames := fx.rec.all()
	if len(frames) != 1 || frames[0].Type != protocol.MsgNotes {
		t.Fatalf("frames = %v, want a single NOTES", frameTypes(frames))
	}
	// The notes prompt rides on the stored conversation history.
	msgs := provider.StreamCalls[0].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want history + prompt", len(msgs))
	}
	if msgs[2].Content[0].Text != agent.NotesPrompt {
		t.Errorf("last message = %q", msgs[2].Content[0].Text)
	}
	if len(fx.tts.Recorded()) != 0 {
		t.Error("notes turn synthesized audio")
	}
}

func TestHistoryWindowCappedAtTen(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamDeltas: []string{answerJSON}}
	fx := newFixture(t, provider, nil)
	for i := 0; i < 9; i++ {
		fx.sess.AppendExchange("user", "question")
		fx.sess.AppendExchange("assistant", "answer")
	}

	fx.orch.HandleFinalTranscript(context.Background(), fx.sess, fx.rec, "one more question", 0.9)
	waitForFrame(t, fx.rec, protocol.MsgNotes)

	msgs := provider.StreamCalls[0].Req.Messages
	// 10 history entries + the new user turn.
	if len(msgs) != 11 {
		t.Errorf("messages = %d, want 11", len(msgs))
	}
}
