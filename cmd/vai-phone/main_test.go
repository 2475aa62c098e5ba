package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/vai-phone/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-phone/pkg/gateway/server"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve"}, &stdout, &stderr, phoneDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newRelay: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error) {
			t.Fatalf("newRelay should not be called when config load fails")
			return nil, nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "vai-phone: load config: boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_UnknownCommand(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"dial"}, &stdout, &stderr, phoneDeps{}); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger(config.Config{LogLevel: "warn", LogFormat: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "session_id", "call_1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record logged at warn level: %q", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", out, err)
	}
	if rec["session_id"] != "call_1" {
		t.Fatalf("record=%v", rec)
	}

	if _, err := newLogger(config.Config{LogLevel: "loud"}, &buf); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestRunServe_DrainsOnSignal(t *testing.T) {
	t.Parallel()

	var cleaned atomic.Bool
	var stderr bytes.Buffer
	err := runServe(context.Background(), &stderr, phoneDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{
				Addr:                "127.0.0.1:0",
				LogLevel:            "info",
				ReadHeaderTimeout:   time.Second,
				ShutdownGracePeriod: time.Second,
			}, nil
		},
		newRelay: func(_ context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
			return gatewayserver.New(cfg, gatewayserver.Deps{}, logger), func() { cleaned.Store(true) }, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			go func() {
				time.Sleep(50 * time.Millisecond)
				c <- syscall.SIGTERM
			}()
		},
		signalStop: func(c chan<- os.Signal) {},
	})
	if err != nil {
		t.Fatalf("runServe: %v", err)
	}
	if !cleaned.Load() {
		t.Fatalf("expected relay cleanup to run")
	}
	if !strings.Contains(stderr.String(), "relay stopped") {
		t.Fatalf("log=%q", stderr.String())
	}
}

func TestRunServe_RelayBuildFailure(t *testing.T) {
	t.Parallel()

	err := runServe(context.Background(), &bytes.Buffer{}, phoneDeps{
		loadConfig: func() (config.Config, error) { return config.Config{LogLevel: "info"}, nil },
		newRelay: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error) {
			return nil, nil, errors.New("no bucket")
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if err == nil || !strings.Contains(err.Error(), "build relay: no bucket") {
		t.Fatalf("err=%v", err)
	}
}

func TestRunCheck_ReportsSettingsAndClips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "filler.mulaw"), bytes.Repeat([]byte{0xFF}, 320), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	var stdout bytes.Buffer
	err := runCheck(context.Background(), &stdout, phoneDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{
				Addr:         ":8080",
				SampleRate:   8000,
				OutboundMode: "immediate",
				Transform:    config.TransformNone,
				FillerClips:  []string{"filler"},
				AssetsDir:    dir,
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("runCheck: %v", err)
	}

	var report checkReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal report %q: %v", stdout.String(), err)
	}
	if report.Clips["filler"] != 320 {
		t.Fatalf("clips=%v", report.Clips)
	}
	if report.Settings["type"] != "Settings" {
		t.Fatalf("settings=%v", report.Settings)
	}
}

func TestRunCheck_MissingClipFails(t *testing.T) {
	t.Parallel()

	err := runCheck(context.Background(), &bytes.Buffer{}, phoneDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{SampleRate: 8000, FillerClips: []string{"hmm"}, AssetsDir: t.TempDir()}, nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), `filler clip "hmm"`) {
		t.Fatalf("err=%v", err)
	}
}
