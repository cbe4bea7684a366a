// Package protocol defines the wire contract with the remote
// speech-translation service: the opening handshake, the inbound tagged
// message union, and the close codes that distinguish auth rejection from
// transient failures.
//
// Outbound audio is raw PCM16 mono sent as binary websocket messages with no
// additional framing. Inbound messages are UTF-8 JSON with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dubwire/dubwire/pkg/types"
)

// MessageType discriminates inbound server messages.
type MessageType string

const (
	TypeAudio      MessageType = "audio"
	TypeSubtitle   MessageType = "subtitle"
	TypeTranscript MessageType = "transcript"
	TypeError      MessageType = "error"
	TypeStatus     MessageType = "status"
)

// Websocket close codes used by the service. Codes in the 4000 range are
// application-defined per RFC 6455.
const (
	// CloseAuthRejected signals a rejected credential. Connections closed
	// with this code must not be retried.
	CloseAuthRejected = 4401

	// CloseQuotaExhausted signals that the server-side ledger ran out
	// mid-session.
	CloseQuotaExhausted = 4429
)

// StatusReady is the status state the server sends once the handshake is
// accepted. Receiving it completes connection establishment.
const StatusReady = "ready"

// Handshake is the first message sent after the websocket opens. It carries
// the opaque credential and the requested session configuration.
type Handshake struct {
	Token          string `json:"token"`
	SourceLanguage string `json:"source_lang"`
	TargetLanguage string `json:"target_lang"`
	AudioDubbing   bool   `json:"audio_dubbing"`
	LiveSubtitles  bool   `json:"live_subtitles"`
}

// Encode serialises the handshake for transmission.
func (h Handshake) Encode() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode handshake: %w", err)
	}
	return b, nil
}

// AudioPayload carries one chunk of encoded dubbed audio. Seq is a
// monotonically increasing ordering token; the payload is Opus.
type AudioPayload struct {
	// Payload is the encoded audio, base64 on the wire.
	Payload []byte `json:"payload"`

	// Seq orders audio chunks. Duplicates and stale values are discarded
	// by the playback queue.
	Seq uint64 `json:"seq"`
}

// SubtitlePayload carries one translated subtitle line.
type SubtitlePayload struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

// TranscriptPayload carries source-language transcription text.
type TranscriptPayload struct {
	Text string `json:"text"`
}

// ErrorPayload carries a machine-readable code and a human message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusPayload carries a server-side state string (e.g. "ready").
type StatusPayload struct {
	State string `json:"state"`
}

// Message is the decoded inbound tagged union. Exactly one of the payload
// pointers matching Type is non-nil.
type Message struct {
	Type       MessageType
	Audio      *AudioPayload
	Subtitle   *SubtitlePayload
	Transcript *TranscriptPayload
	Error      *ErrorPayload
	Status     *StatusPayload
}

// envelope is the raw wire shape: the discriminator plus every payload's
// fields flattened into one object.
type envelope struct {
	Type MessageType `json:"type"`

	// audio
	Payload []byte `json:"payload"`
	Seq     uint64 `json:"seq"`

	// subtitle / transcript
	Text string `json:"text"`
	Lang string `json:"lang"`

	// error
	Code    string `json:"code"`
	Message string `json:"message"`

	// status
	State string `json:"state"`
}

// Parse decodes an inbound message. Malformed input or an unknown type
// returns an error wrapping [types.ErrProtocol].
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: decode: %v", types.ErrProtocol, err)
	}

	switch env.Type {
	case TypeAudio:
		if len(env.Payload) == 0 {
			return Message{}, fmt.Errorf("%w: audio message with empty payload", types.ErrProtocol)
		}
		return Message{Type: TypeAudio, Audio: &AudioPayload{Payload: env.Payload, Seq: env.Seq}}, nil
	case TypeSubtitle:
		return Message{Type: TypeSubtitle, Subtitle: &SubtitlePayload{Text: env.Text, Lang: env.Lang}}, nil
	case TypeTranscript:
		return Message{Type: TypeTranscript, Transcript: &TranscriptPayload{Text: env.Text}}, nil
	case TypeError:
		return Message{Type: TypeError, Error: &ErrorPayload{Code: env.Code, Message: env.Message}}, nil
	case TypeStatus:
		return Message{Type: TypeStatus, Status: &StatusPayload{State: env.State}}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %q", types.ErrProtocol, env.Type)
	}
}
