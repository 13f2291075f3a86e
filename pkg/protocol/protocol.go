// Package protocol defines the JSON messages exchanged with viewers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/speech_hub/pkg/speech"
)

// Outbound message types
const (
	TypeWelcome              = "welcome"
	TypeSpeechTranscription  = "speech_transcription"
	TypeAIResponse           = "ai_response"
	TypeListeningStatus      = "listening_status"
	TypeProfileChanged       = "profile_changed"
	TypeHistoryCleared       = "history_cleared"
	TypeStatus               = "status"
	TypePerformanceOptimized = "performance_optimized"
	TypeError                = "error"
)

// Inbound message types
const (
	TypeStartListening      = "start_listening"
	TypeStopListening       = "stop_listening"
	TypeSetProfile          = "set_profile"
	TypeClearHistory        = "clear_history"
	TypeGetStatus           = "get_status"
	TypeOptimizePerformance = "optimize_performance"
	TypeManualQuestion      = "manual_question"
	TypeSimulateSpeech      = "simulate_speech"
)

// Listening status values
const (
	ListeningStarted = "started"
	ListeningFailed  = "failed"
	ListeningStopped = "stopped"
)

// Outbound is a message sent to viewers. Only the fields relevant to Type are set.
type Outbound struct {
	Type      string   `json:"type"`
	Message   string   `json:"message,omitempty"`
	Version   string   `json:"version,omitempty"`
	Text      string   `json:"text,omitempty"`
	Question  string   `json:"question,omitempty"`
	Answer    string   `json:"answer,omitempty"`
	Status    string   `json:"status,omitempty"`
	Profile   string   `json:"profile,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`

	SpeechProcessor  *speech.Status       `json:"speech_processor,omitempty"`
	RecorderInfo     *speech.RecorderInfo `json:"recorder_info,omitempty"`
	AIResponder      *AIResponderStatus   `json:"ai_responder,omitempty"`
	ClientsConnected *int                 `json:"clients_connected,omitempty"`
}

// AIResponderStatus is the generator part of a status reply
type AIResponderStatus struct {
	Profile       string `json:"profile"`
	HistoryLength int    `json:"history_length"`
}

// Snapshot collects component state for a status reply
type Snapshot struct {
	Engine        speech.Status
	Recorder      speech.RecorderInfo
	Profile       string
	HistoryLength int
	Clients       int
}

// Timestamp converts t to float seconds since the epoch
func Timestamp(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func timestamp(t time.Time) *float64 {
	ts := Timestamp(t)
	return &ts
}

// Welcome greets a newly attached viewer
func Welcome(message, version string) Outbound {
	return Outbound{Type: TypeWelcome, Message: message, Version: version}
}

// SpeechTranscription carries recognized text heard at the given time
func SpeechTranscription(text string, at time.Time) Outbound {
	return Outbound{Type: TypeSpeechTranscription, Text: text, Timestamp: timestamp(at)}
}

// AIResponse carries a generated answer together with its question
func AIResponse(question, answer string, at time.Time) Outbound {
	return Outbound{Type: TypeAIResponse, Question: question, Answer: answer, Timestamp: timestamp(at)}
}

// ListeningStatus reports the outcome of a start or stop request
func ListeningStatus(status string) Outbound {
	return Outbound{Type: TypeListeningStatus, Status: status}
}

// ProfileChanged names the persona active after a set_profile request
func ProfileChanged(profile string) Outbound {
	return Outbound{Type: TypeProfileChanged, Profile: profile}
}

// HistoryCleared acknowledges clear_history
func HistoryCleared() Outbound {
	return Outbound{Type: TypeHistoryCleared}
}

// Status builds the get_status reply from a snapshot
func Status(s Snapshot) Outbound {
	clients := s.Clients
	return Outbound{
		Type:            TypeStatus,
		SpeechProcessor: &s.Engine,
		RecorderInfo:    &s.Recorder,
		AIResponder: &AIResponderStatus{
			Profile:       s.Profile,
			HistoryLength: s.HistoryLength,
		},
		ClientsConnected: &clients,
	}
}

// PerformanceOptimized reports the result of an engine rebuild; status is "success" or "error"
func PerformanceOptimized(message, status string) Outbound {
	return Outbound{Type: TypePerformanceOptimized, Message: message, Status: status}
}

// Error tells a single viewer its request was rejected
func Error(message string) Outbound {
	return Outbound{Type: TypeError, Message: message}
}

// Encode marshals an outbound message
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Inbound is a control message from a viewer
type Inbound struct {
	Type     string `json:"type"`
	Profile  string `json:"profile,omitempty"`
	Question string `json:"question,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Decoding errors
var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// DecodeInbound parses a viewer message. Unknown types return ErrUnknownType
// together with the decoded message.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch msg.Type {
	case TypeStartListening, TypeStopListening, TypeSetProfile, TypeClearHistory,
		TypeGetStatus, TypeOptimizePerformance, TypeManualQuestion, TypeSimulateSpeech:
		return msg, nil
	case "":
		return msg, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
}
