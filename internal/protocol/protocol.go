// Package protocol implements the framed binary wire protocol spoken between
// the tutor client and the server over a duplex transport.
//
// Every logical message is exactly one frame: a single type byte, a big-endian
// uint32 payload length, and the payload bytes. Audio messages carry raw PCM16;
// every other type carries UTF-8 JSON. Fragmentation and reassembly are the
// transport's concern — the codec sees whole frames only.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType identifies the kind of payload a frame carries. The numeric codes
// are fixed for wire compatibility and must never be renumbered.
type MsgType uint8

// Client → server message types.
const (
	MsgAudioFrame   MsgType = 0x01
	MsgInit         MsgType = 0x02
	MsgConfigUpdate MsgType = 0x03
	MsgImageUpload  MsgType = 0x04
	MsgRequestNotes MsgType = 0x05
	MsgSpeechStart  MsgType = 0x06
	MsgSpeechEnd    MsgType = 0x07
	MsgBargeIn      MsgType = 0x08
)

// Server → client message types.
const (
	MsgConnected         MsgType = 0x10
	MsgTranscriptInterim MsgType = 0x11
	MsgTranscriptFinal   MsgType = 0x12
	MsgAudioChunk        MsgType = 0x13
	MsgAudioComplete     MsgType = 0x14
	MsgError             MsgType = 0x15
	MsgNotes             MsgType = 0x16
	MsgImageReceived     MsgType = 0x17
	MsgConfigUpdated     MsgType = 0x18
	MsgLLMDelta          MsgType = 0x19
)

// String returns the protocol name of the message type, for logging.
func (t MsgType) String() string {
	switch t {
	case MsgAudioFrame:
		return "AUDIO_FRAME"
	case MsgInit:
		return "INIT"
	case MsgConfigUpdate:
		return "CONFIG_UPDATE"
	case MsgImageUpload:
		return "IMAGE_UPLOAD"
	case MsgRequestNotes:
		return "REQUEST_NOTES"
	case MsgSpeechStart:
		return "SPEECH_START"
	case MsgSpeechEnd:
		return "SPEECH_END"
	case MsgBargeIn:
		return "BARGE_IN"
	case MsgConnected:
		return "CONNECTED"
	case MsgTranscriptInterim:
		return "TRANSCRIPT_INTERIM"
	case MsgTranscriptFinal:
		return "TRANSCRIPT_FINAL"
	case MsgAudioChunk:
		return "AUDIO_CHUNK"
	case MsgAudioComplete:
		return "AUDIO_COMPLETE"
	case MsgError:
		return "ERROR"
	case MsgNotes:
		return "NOTES"
	case MsgImageReceived:
		return "IMAGE_RECEIVED"
	case MsgConfigUpdated:
		return "CONFIG_UPDATED"
	case MsgLLMDelta:
		return "LLM_DELTA"
	}
	return fmt.Sprintf("MsgType(0x%02x)", uint8(t))
}

// IsKnown reports whether t is a message type this protocol version defines.
func (t MsgType) IsKnown() bool {
	return (t >= MsgAudioFrame && t <= MsgBargeIn) ||
		(t >= MsgConnected && t <= MsgLLMDelta)
}

// headerSize is the fixed frame prefix: 1 type byte + 4 length bytes.
const headerSize = 5

// Codec errors.
var (
	// ErrShortFrame is returned when fewer than headerSize bytes are available.
	ErrShortFrame = errors.New("protocol: frame shorter than header")

	// ErrLengthMismatch is returned when the declared payload length exceeds
	// the bytes actually present.
	ErrLengthMismatch = errors.New("protocol: declared length exceeds frame")

	// ErrUnknownType is returned by the dispatcher for a type byte this
	// protocol version does not define. Decode itself does not reject unknown
	// types so that the dispatcher can report them with context.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Encode produces a single wire frame for the given type and payload.
// A nil payload encodes as a zero-length frame.
func Encode(t MsgType, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// Decode parses a single wire frame. The returned payload aliases data; the
// caller must copy it if the buffer is reused. Trailing bytes beyond the
// declared length are rejected as ErrLengthMismatch — one frame per message.
func Decode(data []byte) (MsgType, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, ErrShortFrame
	}
	t := MsgType(data[0])
	length := binary.BigEndian.Uint32(data[1:5])
	if uint64(length) != uint64(len(data)-headerSize) {
		return 0, nil, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, length, len(data)-headerSize)
	}
	return t, data[headerSize:], nil
}
