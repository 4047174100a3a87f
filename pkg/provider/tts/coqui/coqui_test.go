package coqui

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/teachme-labs/teachme-live/pkg/provider/tts"
)

// buildTestWAV constructs a minimal RIFF/WAVE file: fmt chunk with the given
// rate and channel count, then a data chunk holding pcm. Optional extra chunks
// are inserted before data to exercise the chunk walker.
func buildTestWAV(t *testing.T, sampleRate, channels int, pcm []byte, extraChunks ...[]byte) []byte {
	t.Helper()

	var body []byte

	fmtChunk := make([]byte, 8+16)
	copy(fmtChunk[0:4], "fmt ")
	binary.LittleEndian.PutUint32(fmtChunk[4:8], 16)
	binary.LittleEndian.PutUint16(fmtChunk[8:10], 1) // PCM
	binary.LittleEndian.PutUint16(fmtChunk[10:12], uint16(channels))
	binary.LittleEndian.PutUint32(fmtChunk[12:16], uint32(sampleRate))
	body = append(body, fmtChunk...)

	for _, c := range extraChunks {
		body = append(body, c...)
	}

	dataChunk := make([]byte, 8)
	copy(dataChunk[0:4], "data")
	binary.LittleEndian.PutUint32(dataChunk[4:8], uint32(len(pcm)))
	body = append(body, dataChunk...)
	body = append(body, pcm...)

	wav := make([]byte, 12)
	copy(wav[0:4], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:8], uint32(4+len(body)))
	copy(wav[8:12], "WAVE")
	return append(wav, body...)
}

// pcm16 packs int16 samples little-endian.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestNewRequiresServerURL(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") succeeded, want error")
	}
	s, err := New("http://localhost:5002/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, trailing slash kept", s.serverURL)
	}
}

func TestSynthesizeReturnsPCM(t *testing.T) {
	t.Parallel()

	pcm := pcm16(100, 200, 300, 400)
	var (
		mu    sync.Mutex
		query url.Values
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		query = r.URL.Query()
		mu.Unlock()
		if r.URL.Path != "/api/tts" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(buildTestWAV(t, 24000, 1, pcm))
	}))
	defer ts.Close()

	s, err := New(ts.URL, WithSpeaker("en", "p225"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := s.Synthesize(context.Background(), "Hello there!", tts.Voice{
		Language:     "en",
		SampleRateHz: 24000,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}

	mu.Lock()
	defer mu.Unlock()
	if query.Get("text") != "Hello there!" {
		t.Errorf("text = %q", query.Get("text"))
	}
	if query.Get("language_id") != "en" {
		t.Errorf("language_id = %q", query.Get("language_id"))
	}
	if query.Get("speaker_id") != "p225" {
		t.Errorf("speaker_id = %q, want mapped p225", query.Get("speaker_id"))
	}
}

func TestSynthesizeVoiceSpeakerWins(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		speaker string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		speaker = r.URL.Query().Get("speaker_id")
		mu.Unlock()
		_, _ = w.Write(buildTestWAV(t, 24000, 1, pcm16(1, 2)))
	}))
	defer ts.Close()

	s, err := New(ts.URL, WithSpeaker("en", "p225"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), "hi", tts.Voice{Language: "en", Speaker: "p300"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if speaker != "p300" {
		t.Errorf("speaker_id = %q, want explicit p300", speaker)
	}
}

func TestSynthesizeEmptyTextSkipsRequest(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		called bool
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		called = true
		mu.Unlock()
	}))
	defer ts.Close()

	s, err := New(ts.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := s.Synthesize(context.Background(), "   ", tts.Voice{Language: "en"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got != nil {
		t.Errorf("pcm = %v, want nil", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Error("HTTP request made for empty text")
	}
}

func TestSynthesizeServerError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	s, err := New(ts.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("Synthesize succeeded on 503, want error")
	}
}

func TestSynthesizeResamplesToVoiceRate(t *testing.T) {
	t.Parallel()

	// 22050 Hz source, 24000 Hz requested: sample count scales by 24000/22050.
	src := make([]int16, 2205)
	for i := range src {
		src[i] = 1000
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buildTestWAV(t, 22050, 1, pcm16(src...)))
	}))
	defer ts.Close()

	s, err := New(ts.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := s.Synthesize(context.Background(), "hi", tts.Voice{Language: "en", SampleRateHz: 24000})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	wantSamples := int(int64(len(src)) * 24000 / 22050)
	if len(got)/2 != wantSamples {
		t.Fatalf("samples = %d, want %d", len(got)/2, wantSamples)
	}
	// A constant signal must survive linear interpolation unchanged.
	for i := 0; i < len(got); i += 2 {
		if s := int16(binary.LittleEndian.Uint16(got[i:])); s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i/2, s)
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		t.Parallel()
		in := pcm16(1, 2, 3)
		got := resampleMono16(in, 24000, 24000)
		if string(got) != string(in) {
			t.Errorf("resample changed data at equal rates")
		}
	})

	t.Run("doubling rate doubles samples", func(t *testing.T) {
		t.Parallel()
		in := pcm16(0, 100, 200, 300)
		got := resampleMono16(in, 12000, 24000)
		if len(got)/2 != 8 {
			t.Fatalf("samples = %d, want 8", len(got)/2)
		}
		// Midpoints interpolate linearly.
		if s := int16(binary.LittleEndian.Uint16(got[2:])); s != 50 {
			t.Errorf("sample 1 = %d, want 50", s)
		}
	})

	t.Run("tiny input", func(t *testing.T) {
		t.Parallel()
		if got := resampleMono16(nil, 22050, 24000); got != nil {
			t.Errorf("resample(nil) = %v", got)
		}
	})
}

func TestParseWAV(t *testing.T) {
	t.Parallel()

	t.Run("standard layout", func(t *testing.T) {
		t.Parallel()
		wav := buildTestWAV(t, 22050, 1, pcm16(1, 2, 3))
		info, err := parseWAV(wav)
		if err != nil {
			t.Fatalf("parseWAV: %v", err)
		}
		if info.SampleRate != 22050 || info.Channels != 1 {
			t.Errorf("info = %+v", info)
		}
		if string(wav[info.DataOffset:]) != string(pcm16(1, 2, 3)) {
			t.Errorf("data offset %d does not point at PCM", info.DataOffset)
		}
	})

	t.Run("extra chunk before data", func(t *testing.T) {
		t.Parallel()
		list := make([]byte, 8+4)
		copy(list[0:4], "LIST")
		binary.LittleEndian.PutUint32(list[4:8], 4)
		wav := buildTestWAV(t, 44100, 2, pcm16(7, 8), list)

		info, err := parseWAV(wav)
		if err != nil {
			t.Fatalf("parseWAV: %v", err)
		}
		if info.SampleRate != 44100 || info.Channels != 2 {
			t.Errorf("info = %+v", info)
		}
		if string(wav[info.DataOffset:]) != string(pcm16(7, 8)) {
			t.Errorf("data offset %d does not point at PCM", info.DataOffset)
		}
	})

	t.Run("rejects non-RIFF", func(t *testing.T) {
		t.Parallel()
		if _, err := parseWAV([]byte("OGGSxxxxxxxxxxxxxxxx")); err == nil {
			t.Error("parseWAV accepted non-RIFF input")
		}
	})

	t.Run("rejects short input", func(t *testing.T) {
		t.Parallel()
		if _, err := parseWAV([]byte("RIFF")); err == nil {
			t.Error("parseWAV accepted truncated input")
		}
	})

	t.Run("rejects missing data chunk", func(t *testing.T) {
		t.Parallel()
		wav := buildTestWAV(t, 22050, 1, nil)
		wav = wav[:len(wav)-8] // strip the data chunk
		if _, err := parseWAV(wav); err == nil {
			t.Error("parseWAV accepted WAV without data chunk")
		}
	})
}
