// Package agentcfg builds the settings message sent to the voice agent when a
// session starts.
package agentcfg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader reads agent settings and an optional prompt file. Files are re-read on
// every Load so edits apply to the next call without a restart.
type Loader struct {
	SettingsPath string
	PromptPath   string
	// SampleRate fills the audio blocks of the built-in settings.
	SampleRate int
}

// Load returns the JSON settings message with the prompt merged at
// agent.think.prompt.
func (l Loader) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var settings map[string]any
	if strings.TrimSpace(l.SettingsPath) == "" {
		settings = DefaultSettings(l.SampleRate)
	} else {
		var err error
		settings, err = readSettings(l.SettingsPath)
		if err != nil {
			return nil, err
		}
	}
	if _, ok := settings["type"]; !ok {
		settings["type"] = "Settings"
	}

	if strings.TrimSpace(l.PromptPath) != "" {
		raw, err := os.ReadFile(l.PromptPath)
		if err != nil {
			return nil, fmt.Errorf("read prompt: %w", err)
		}
		if err := MergePrompt(settings, strings.TrimSpace(string(raw))); err != nil {
			return nil, err
		}
	}

	out, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode agent settings: %w", err)
	}
	return out, nil
}

func readSettings(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent settings: %w", err)
	}
	settings := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("parse agent settings %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("parse agent settings %s: %w", path, err)
		}
	}
	if settings == nil {
		return nil, fmt.Errorf("agent settings %s must be an object", path)
	}
	return settings, nil
}

// MergePrompt sets agent.think.prompt, creating intermediate objects as needed.
// An empty prompt leaves settings untouched.
func MergePrompt(settings map[string]any, prompt string) error {
	if prompt == "" {
		return nil
	}
	node := settings
	for _, key := range []string{"agent", "think"} {
		next, ok := node[key]
		if !ok || next == nil {
			child := map[string]any{}
			node[key] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("agent settings: %s must be an object", key)
		}
		node = child
	}
	node["prompt"] = prompt
	return nil
}

// DefaultSettings returns a minimal mu-law settings message for telephony.
func DefaultSettings(sampleRate int) map[string]any {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return map[string]any{
		"type": "Settings",
		"audio": map[string]any{
			"input":  map[string]any{"encoding": "mulaw", "sample_rate": sampleRate},
			"output": map[string]any{"encoding": "mulaw", "sample_rate": sampleRate, "container": "none"},
		},
		"agent": map[string]any{
			"language": "en",
			"listen":   map[string]any{"provider": map[string]any{"type": "deepgram", "model": "nova-3"}},
			"think": map[string]any{
				"provider": map[string]any{"type": "open_ai", "model": "gpt-4o-mini"},
				"prompt":   "You are a helpful voice assistant on a phone call. Keep answers short.",
			},
			"speak": map[string]any{"provider": map[string]any{"type": "deepgram", "model": "aura-2-thalia-en"}},
		},
	}
}
