package protocol_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/teachme-labs/teachme-live/internal/protocol"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		msgType protocol.MsgType
		payload []byte
	}{
		{"empty payload", protocol.MsgSpeechStart, nil},
		{"json payload", protocol.MsgInit, []byte(`{"target_language":"en"}`)},
		{"binary audio", protocol.MsgAudioFrame, []byte{0x00, 0x01, 0xff, 0xfe, 0x80}},
		{"large payload", protocol.MsgAudioChunk, bytes.Repeat([]byte{0xab}, 9600)},
		{"utf8 korean", protocol.MsgNotes, []byte(`{"text":"핵심 단계"}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			frame := protocol.Encode(tc.msgType, tc.payload)

			gotType, gotPayload, err := protocol.Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if gotType != tc.msgType {
				t.Errorf("type = %v, want %v", gotType, tc.msgType)
			}
			if !bytes.Equal(gotPayload, tc.payload) {
				t.Errorf("payload = %q, want %q", gotPayload, tc.payload)
			}
		})
	}
}

func TestDecode_Truncations(t *testing.T) {
	t.Parallel()
	frame := protocol.Encode(protocol.MsgInit, []byte(`{"target_language":"ko"}`))

	// Every strict prefix of a valid frame must fail cleanly.
	for n := 0; n < len(frame); n++ {
		_, _, err := protocol.Decode(frame[:n])
		if err == nil {
			t.Fatalf("Decode(frame[:%d]) succeeded, want error", n)
		}
		if !errors.Is(err, protocol.ErrShortFrame) && !errors.Is(err, protocol.ErrLengthMismatch) {
			t.Errorf("Decode(frame[:%d]) = %v, want ErrShortFrame or ErrLengthMismatch", n, err)
		}
	}
}

func TestDecode_DeclaredLengthExceedsBuffer(t *testing.T) {
	t.Parallel()
	// Header claims 100 payload bytes but only 3 follow.
	frame := []byte{byte(protocol.MsgAudioFrame), 0x00, 0x00, 0x00, 0x64, 0x01, 0x02, 0x03}
	_, _, err := protocol.Decode(frame)
	if !errors.Is(err, protocol.ErrLengthMismatch) {
		t.Fatalf("err = %v, want ErrLengthMismatch", err)
	}
}

func TestDecode_TrailingBytesRejected(t *testing.T) {
	t.Parallel()
	frame := protocol.Encode(protocol.MsgBargeIn, nil)
	frame = append(frame, 0xde, 0xad)
	_, _, err := protocol.Decode(frame)
	if !errors.Is(err, protocol.ErrLengthMismatch) {
		t.Fatalf("err = %v, want ErrLengthMismatch", err)
	}
}

func TestMsgType_IsKnown(t *testing.T) {
	t.Parallel()
	known := []protocol.MsgType{
		protocol.MsgAudioFrame, protocol.MsgInit, protocol.MsgConfigUpdate,
		protocol.MsgImageUpload, protocol.MsgRequestNotes, protocol.MsgSpeechStart,
		protocol.MsgSpeechEnd, protocol.MsgBargeIn, protocol.MsgConnected,
		protocol.MsgTranscriptInterim, protocol.MsgTranscriptFinal,
		protocol.MsgAudioChunk, protocol.MsgAudioComplete, protocol.MsgError,
		protocol.MsgNotes, protocol.MsgImageReceived, protocol.MsgConfigUpdated,
		protocol.MsgLLMDelta,
	}
	for _, mt := range known {
		if !mt.IsKnown() {
			t.Errorf("%v.IsKnown() = false, want true", mt)
		}
	}
	for _, mt := range []protocol.MsgType{0x00, 0x09, 0x0f, 0x1a, 0xff} {
		if mt.IsKnown() {
			t.Errorf("MsgType(0x%02x).IsKnown() = true, want false", uint8(mt))
		}
	}
}

func TestEncodeJSON(t *testing.T) {
	t.Parallel()
	frame, err := protocol.EncodeJSON(protocol.MsgTranscriptFinal, protocol.TranscriptFinalPayload{
		Text:       "what is 2+3?",
		Confidence: 0.92,
	})
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}

	gotType, payload, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotType != protocol.MsgTranscriptFinal {
		t.Errorf("type = %v, want TRANSCRIPT_FINAL", gotType)
	}

	var got protocol.TranscriptFinalPayload
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Text != "what is 2+3?" || got.Confidence != 0.92 {
		t.Errorf("payload = %+v", got)
	}
}
