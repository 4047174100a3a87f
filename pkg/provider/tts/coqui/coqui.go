// Package coqui provides a Coqui TTS-backed synthesizer that targets the
// standard Coqui TTS server (ghcr.io/coqui-ai/tts-cpu) via GET /api/tts.
// It implements the tts.Synthesizer interface.
//
// The server operates in batch mode: one HTTP call per utterance, returning a
// WAV container. The adapter strips the RIFF header and, when the requested
// output rate differs from the model's native rate, resamples the mono PCM
// with linear interpolation.
//
// Typical usage:
//
//	s, err := coqui.New("http://localhost:5002",
//	    coqui.WithTimeout(15*time.Second),
//	)
//	pcm, err := s.Synthesize(ctx, "Hello!", tts.Voice{Language: "en", SampleRateHz: 24000})
package coqui

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teachme-labs/teachme-live/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

const (
	defaultTimeout = 30 * time.Second
	apiTTSEndpoint = "/api/tts"
)

// Option is a functional option for configuring a Coqui Synthesizer.
type Option func(*Synthesizer)

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.httpClient.Timeout = d
	}
}

// WithSpeaker maps a language code to a backend speaker id, used when the
// caller's Voice does not name one.
func WithSpeaker(language, speakerID string) Option {
	return func(s *Synthesizer) {
		s.speakers[language] = speakerID
	}
}

// Synthesizer implements tts.Synthesizer backed by a Coqui TTS server.
// It is safe for concurrent use; multiple Synthesize calls may run in parallel.
type Synthesizer struct {
	serverURL  string
	httpClient *http.Client
	speakers   map[string]string
}

// New creates a new Coqui Synthesizer that targets the TTS server at
// serverURL (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	s := &Synthesizer{
		serverURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		speakers: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Synthesize performs a single GET /api/tts call and returns the raw PCM
// (WAV header stripped), resampled to voice.SampleRateHz when necessary.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("text", text)
	if speaker := s.speakerFor(voice); speaker != "" {
		params.Set("speaker_id", speaker)
	}
	if voice.Language != "" {
		params.Set("language_id", voice.Language)
	}

	reqURL := s.serverURL + apiTTSEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	pcm := wav[info.DataOffset:]
	if voice.SampleRateHz > 0 && info.SampleRate != voice.SampleRateHz && info.Channels == 1 {
		pcm = resampleMono16(pcm, info.SampleRate, voice.SampleRateHz)
	}
	return pcm, nil
}

func (s *Synthesizer) speakerFor(voice tts.Voice) string {
	if voice.Speaker != "" {
		return voice.Speaker
	}
	return s.speakers[voice.Language]
}

// ─── resampling ──────────────────────────────────────────────────────────────

// resampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func resampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ─── WAV parsing ─────────────────────────────────────────────────────────────

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g., 22050, 44100, 48000)
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. The fmt chunk size may vary, so
// a hardcoded 44-byte offset is not safe.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// fmt chunk should appear before data; fall back to the
				// server's native format when it does not.
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
