package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsRelayValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# relay settings\n" +
		"VAI_PHONE_TEST_FILLER_CLIPS=\"hmm, one-moment\"\n" +
		"export VAI_PHONE_TEST_OUTBOUND_MODE=buffered\n" +
		"DEEPGRAM_TEST_API_KEY=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("DEEPGRAM_TEST_API_KEY", "from_shell")
	for _, key := range []string{"VAI_PHONE_TEST_FILLER_CLIPS", "VAI_PHONE_TEST_OUTBOUND_MODE"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("VAI_PHONE_TEST_FILLER_CLIPS"); got != "hmm, one-moment" {
		t.Fatalf("FILLER_CLIPS=%q", got)
	}
	if got := os.Getenv("VAI_PHONE_TEST_OUTBOUND_MODE"); got != "buffered" {
		t.Fatalf("OUTBOUND_MODE=%q", got)
	}
	if got := os.Getenv("DEEPGRAM_TEST_API_KEY"); got != "from_shell" {
		t.Fatalf("DEEPGRAM_TEST_API_KEY=%q, want shell value preserved", got)
	}
}

func TestLoadFile_UnreadablePathFails(t *testing.T) {
	t.Parallel()
	if err := LoadFile(t.TempDir()); err == nil {
		t.Fatalf("expected error when the env path is a directory")
	}
}
