package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TrackInbound is the only caller track relayed to the agent.
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"

	EncodingMulaw = "audio/x-mulaw"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// MediaFormat describes the caller stream's audio shape as announced in start.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type CallerConnected struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`
}

type StartMetadata struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type CallerStart struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          StartMetadata `json:"start"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type CallerMedia struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Media          MediaPayload `json:"media"`
}

// Audio returns the decoded payload bytes.
func (m CallerMedia) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Media.Payload)
}

// Inbound reports whether the frame belongs to the caller's own track. An
// absent track label is treated as inbound.
func (m CallerMedia) Inbound() bool {
	track := strings.TrimSpace(m.Media.Track)
	return track == "" || track == TrackInbound
}

type MarkPayload struct {
	Name string `json:"name"`
}

type CallerMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Mark      MarkPayload `json:"mark"`
}

type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type CallerDTMF struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	DTMF      DTMFPayload `json:"dtmf"`
}

type StopMetadata struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type CallerStop struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Stop      StopMetadata `json:"stop,omitempty"`
}

// DecodeCallerMessage parses one text frame from the caller endpoint.
func DecodeCallerMessage(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case "connected":
		var msg CallerConnected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connected event", "")
		}
		return msg, nil
	case "start":
		var msg CallerStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start event", "")
		}
		if strings.TrimSpace(msg.Start.StreamSID) == "" {
			msg.Start.StreamSID = strings.TrimSpace(msg.StreamSID)
		}
		if msg.Start.StreamSID == "" {
			return nil, badRequest("start.streamSid is required", "start.streamSid")
		}
		if enc := strings.TrimSpace(msg.Start.MediaFormat.Encoding); enc != "" && enc != EncodingMulaw {
			return nil, unsupported("unsupported media encoding", "start.mediaFormat.encoding")
		}
		return msg, nil
	case "media":
		var msg CallerMedia
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media event", "")
		}
		if strings.TrimSpace(msg.Media.Payload) == "" {
			return nil, badRequest("media.payload is required", "media.payload")
		}
		return msg, nil
	case "mark":
		var msg CallerMark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark event", "")
		}
		return msg, nil
	case "dtmf":
		var msg CallerDTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf event", "")
		}
		return msg, nil
	case "stop":
		var msg CallerStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop event", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported event", "event")
	}
}

type OutboundMediaPayload struct {
	Payload string `json:"payload"`
}

type OutboundMedia struct {
	Event     string               `json:"event"`
	StreamSID string               `json:"streamSid"`
	Media     OutboundMediaPayload `json:"media"`
}

type OutboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

type OutboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

// EncodeMedia builds the outbound media event carrying audio for the caller.
func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(OutboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     OutboundMediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// EncodeClear builds the event that makes the caller endpoint drop queued audio.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(OutboundClear{Event: "clear", StreamSID: streamSID})
}

func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(OutboundMark{Event: "mark", StreamSID: streamSID, Mark: MarkPayload{Name: name}})
}
