package protocol

import (
	"encoding/json"
	"strings"
)

// Agent event types understood by the relay.
const (
	AgentWelcome              = "Welcome"
	AgentSettingsApplied      = "SettingsApplied"
	AgentUserStartedSpeaking  = "UserStartedSpeaking"
	AgentThinkingEvent        = "AgentThinking"
	AgentStartedSpeakingEvent = "AgentStartedSpeaking"
	AgentAudioDone            = "AgentAudioDone"
	AgentConversationText     = "ConversationText"
	AgentError                = "Error"
	AgentWarning              = "Warning"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type AgentWelcomeEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

type AgentSettingsAppliedEvent struct {
	Type string `json:"type"`
}

type UserStartedSpeaking struct {
	Type string `json:"type"`
}

type AgentThinking struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type AgentStartedSpeaking struct {
	Type         string  `json:"type"`
	TotalLatency float64 `json:"total_latency,omitempty"`
	TTSLatency   float64 `json:"tts_latency,omitempty"`
	TTTLatency   float64 `json:"ttt_latency,omitempty"`
}

type AgentAudioDoneEvent struct {
	Type string `json:"type"`
}

type ConversationText struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AgentErrorEvent struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
	Code        string `json:"code,omitempty"`
}

// Text returns whichever human-readable field the agent populated.
func (e AgentErrorEvent) Text() string {
	if strings.TrimSpace(e.Description) != "" {
		return e.Description
	}
	return e.Message
}

// AgentUnknown carries events the relay does not act on.
type AgentUnknown struct {
	Type string
	Raw  json.RawMessage
}

// DecodeAgentMessage parses one text frame from the agent endpoint. Unknown
// event types decode to AgentUnknown rather than failing.
func DecodeAgentMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case AgentWelcome:
		var msg AgentWelcomeEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid Welcome", "")
		}
		return msg, nil
	case AgentSettingsApplied:
		return AgentSettingsAppliedEvent{Type: typ}, nil
	case AgentUserStartedSpeaking:
		return UserStartedSpeaking{Type: typ}, nil
	case AgentThinkingEvent:
		var msg AgentThinking
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid AgentThinking", "")
		}
		return msg, nil
	case AgentStartedSpeakingEvent:
		var msg AgentStartedSpeaking
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid AgentStartedSpeaking", "")
		}
		return msg, nil
	case AgentAudioDone:
		return AgentAudioDoneEvent{Type: typ}, nil
	case AgentConversationText:
		var msg ConversationText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ConversationText", "")
		}
		msg.Role = strings.ToLower(strings.TrimSpace(msg.Role))
		if msg.Role == "" {
			return nil, badRequest("ConversationText.role is required", "role")
		}
		return msg, nil
	case AgentError, AgentWarning:
		var msg AgentErrorEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		return msg, nil
	default:
		return AgentUnknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// KeepAliveMessage is sent to the agent when no audio has flowed for a while.
var KeepAliveMessage = []byte(`{"type":"KeepAlive"}`)
