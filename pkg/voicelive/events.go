package voicelive

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventType identifies a server event on the speech session stream
type EventType string

// Server event types emitted by the speech-agent service. Unrecognized types
// are passed through and ignored by consumers for forward compatibility.
const (
	EventSessionUpdated          EventType = "session.updated"
	EventSpeechStarted           EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped           EventType = "input_audio_buffer.speech_stopped"
	EventResponseCreated         EventType = "response.created"
	EventResponseAudioDelta      EventType = "response.audio.delta"
	EventResponseAudioDone       EventType = "response.audio.done"
	EventResponseDone            EventType = "response.done"
	EventResponseTranscriptDelta EventType = "response.audio_transcript.delta"
	EventResponseTranscriptDone  EventType = "response.audio_transcript.done"
	EventInputTranscriptDone     EventType = "conversation.item.input_audio_transcription.completed"
	EventError                   EventType = "error"
)

// ServerEvent is a decoded event from the speech session
type ServerEvent struct {
	Type EventType

	// SessionID is set on session.updated events
	SessionID string

	// Audio carries decoded PCM bytes on response.audio.delta events
	Audio []byte

	// Delta carries incremental transcript text on transcript delta events
	Delta string

	// Transcript carries the full text on finalized transcript events
	Transcript string

	// ErrorMessage is set on error events
	ErrorMessage string
}

// wireEvent is the JSON shape of an event as it arrives on the websocket
type wireEvent struct {
	Type    string `json:"type"`
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// parseServerEvent decodes a raw websocket message into a ServerEvent
func parseServerEvent(data []byte) (ServerEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return ServerEvent{}, fmt.Errorf("failed to decode server event: %w", err)
	}

	ev := ServerEvent{
		Type:       EventType(wire.Type),
		Delta:      wire.Delta,
		Transcript: wire.Transcript,
	}

	if wire.Session != nil {
		ev.SessionID = wire.Session.ID
	}
	if wire.Error != nil {
		ev.ErrorMessage = wire.Error.Message
	}

	// Audio deltas arrive base64 encoded; decode once here so consumers
	// work with raw PCM
	if ev.Type == EventResponseAudioDelta && wire.Delta != "" {
		audio, err := base64.StdEncoding.DecodeString(wire.Delta)
		if err != nil {
			return ServerEvent{}, fmt.Errorf("failed to decode audio delta: %w", err)
		}
		ev.Audio = audio
		ev.Delta = ""
	}

	return ev, nil
}
