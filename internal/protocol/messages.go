package protocol

import "encoding/json"

// InitPayload is the JSON body of an INIT frame. CONFIG_UPDATE reuses the same
// shape with every field optional.
type InitPayload struct {
	SessionID      string `json:"session_id,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	TranslatorMode *bool  `json:"translator_mode,omitempty"`
}

// ImageUploadPayload carries a base64 image, either as a data URL
// ("data:image/png;base64,....") or as bare base64.
type ImageUploadPayload struct {
	ImageData string `json:"image_data"`
}

// ConnectedPayload acknowledges INIT with the (possibly server-generated)
// session id.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
}

// TranscriptInterimPayload carries an in-progress recognition hypothesis.
type TranscriptInterimPayload struct {
	Text string `json:"text"`
}

// TranscriptFinalPayload carries the recognizer's final hypothesis for a turn.
type TranscriptFinalPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// LLMDeltaPayload carries one streamed model text fragment. The frame with
// Final set true is the per-turn sentinel; its Text holds the full response
// text on canned-utterance paths and is empty otherwise.
type LLMDeltaPayload struct {
	Text   string `json:"text"`
	TurnID uint64 `json:"turn_id"`
	Final  bool   `json:"final"`
}

// NotesPayload carries the pretty-printed structured response JSON.
type NotesPayload struct {
	Text string `json:"text"`
}

// ErrorPayload reports a server-side error to the client.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// StatusPayload is the body of IMAGE_RECEIVED and CONFIG_UPDATED acks.
type StatusPayload struct {
	Status string `json:"status"`
}

// EncodeJSON marshals v and frames it under type t. It is the send-side
// counterpart of Decode for every non-audio message.
func EncodeJSON(t MsgType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Encode(t, payload), nil
}
