package agentcfg

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func prompt(t *testing.T, settings map[string]any) string {
	t.Helper()
	agent, ok := settings["agent"].(map[string]any)
	require.True(t, ok)
	think, ok := agent["think"].(map[string]any)
	require.True(t, ok)
	p, _ := think["prompt"].(string)
	return p
}

func TestLoader_JSONWithPrompt(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "config.json")
	promptPath := filepath.Join(dir, "prompt.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte(`{"type":"Settings","agent":{"think":{"provider":{"type":"open_ai"}}}}`), 0o644))
	require.NoError(t, os.WriteFile(promptPath, []byte("  Be brief.\n"), 0o644))

	raw, err := Loader{SettingsPath: settingsPath, PromptPath: promptPath}.Load(context.Background())
	require.NoError(t, err)

	settings := decode(t, raw)
	assert.Equal(t, "Be brief.", prompt(t, settings))
	assert.Equal(t, "Settings", settings["type"])
}

func TestLoader_YAML(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(settingsPath, []byte("audio:\n  input:\n    encoding: mulaw\n    sample_rate: 8000\n"), 0o644))

	raw, err := Loader{SettingsPath: settingsPath}.Load(context.Background())
	require.NoError(t, err)

	settings := decode(t, raw)
	assert.Equal(t, "Settings", settings["type"])
	audio := settings["audio"].(map[string]any)
	input := audio["input"].(map[string]any)
	assert.Equal(t, "mulaw", input["encoding"])
	assert.EqualValues(t, 8000, input["sample_rate"])
}

func TestLoader_DefaultsWhenNoFile(t *testing.T) {
	raw, err := Loader{SampleRate: 8000}.Load(context.Background())
	require.NoError(t, err)
	settings := decode(t, raw)
	assert.NotEmpty(t, prompt(t, settings))
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Loader{SettingsPath: filepath.Join(dir, "missing.json")}.Load(context.Background())
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o644))
	_, err = Loader{SettingsPath: bad}.Load(context.Background())
	require.Error(t, err)

	_, err = Loader{PromptPath: filepath.Join(dir, "nope.txt")}.Load(context.Background())
	require.Error(t, err)
}

func TestMergePrompt_RejectsNonObject(t *testing.T) {
	settings := map[string]any{"agent": "oops"}
	require.Error(t, MergePrompt(settings, "x"))

	settings = map[string]any{}
	require.NoError(t, MergePrompt(settings, "hello"))
	assert.Equal(t, "hello", prompt(t, settings))
}
