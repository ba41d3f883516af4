// Package protocol defines the JSON messages exchanged with session clients.
//
// One message is one JSON object with a "type" field. Inbound messages are
// parsed with [ParseClientMessage]; outbound messages are plain structs
// serialized once per send (or once per broadcast pass).
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeStartPermanent = "start_permanent_listening"
	TypeStopPermanent  = "stop_permanent_listening"
	TypeStartSingle    = "start_single_capture"
	TypeSwitchLanguage = "switch_language"
	TypeGetStatus      = "get_status"
	TypeGetHistory     = "get_history"
)

// Outbound message types.
const (
	TypeLanguageStatus       = "language_status"
	TypeListeningStarted     = "listening_started"
	TypeListeningStopped     = "listening_stopped"
	TypeSingleCaptureStarted = "single_capture_started"
	TypeSpeechResult         = "speech_result"
	TypeHistory              = "history"
	TypeError                = "error"
)

// ClientMessage is a decoded inbound message. Fields beyond Type are only
// meaningful for the message types that carry them.
type ClientMessage struct {
	Type string `json:"type"`

	// Language accompanies switch_language.
	Language string `json:"language,omitempty"`

	// Context optionally overrides the correction context of a single
	// capture ("browser" or "terminal").
	Context string `json:"context,omitempty"`

	// Timeout optionally overrides the single-capture duration in seconds.
	Timeout int `json:"timeout,omitempty"`

	// Limit caps the number of rows returned by get_history.
	Limit int `json:"limit,omitempty"`
}

// ParseError describes an inbound message that could not be understood. The
// server reports it to the offending client and drops the message; it is
// never fatal to the connection.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "protocol: " + e.Reason }

// ParseClientMessage decodes one inbound JSON message. Unknown message types
// are rejected here so the state machine only ever sees the known set.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, &ParseError{Reason: "invalid JSON message"}
	}

	switch msg.Type {
	case TypeStartPermanent, TypeStopPermanent, TypeStartSingle,
		TypeGetStatus, TypeGetHistory:
	case TypeSwitchLanguage:
		if msg.Language == "" {
			return ClientMessage{}, &ParseError{Reason: "switch_language requires a language field"}
		}
	case "":
		return ClientMessage{}, &ParseError{Reason: "message has no type field"}
	default:
		return ClientMessage{}, &ParseError{Reason: fmt.Sprintf("unknown message type: %s", msg.Type)}
	}
	return msg, nil
}

// LanguageStatus reports the server's current listening state.
type LanguageStatus struct {
	Type               string   `json:"type"`
	CurrentLanguage    string   `json:"current_language"`
	AvailableLanguages []string `json:"available_languages"`
	Listening          bool     `json:"listening"`
}

// Ack is a bare event with only a type (listening_started and friends).
type Ack struct {
	Type string `json:"type"`
}

// SpeechResult carries one recognized utterance.
type SpeechResult struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Context    string  `json:"context"`

	// OriginalText is the uncorrected recognizer output, present only when
	// text correction changed it.
	OriginalText string `json:"original_text,omitempty"`
}

// History returns recent utterances, newest first.
type History struct {
	Type    string         `json:"type"`
	Results []SpeechResult `json:"results"`
}

// ErrorEvent reports a per-client failure. The connection stays open.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an ErrorEvent ready for serialization.
func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}
