package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-phone/internal/dotenv"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-phone/pkg/gateway/server"
)

type phoneDeps struct {
	loadConfig   func() (config.Config, error)
	newRelay     func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultPhoneDeps() phoneDeps {
	return phoneDeps{
		loadConfig: config.LoadFromEnv,
		newRelay:   newRelay,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, stderr io.Writer, deps phoneDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newRelay == nil {
		return errors.New("missing newRelay dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}

	gw, cleanup, err := deps.newRelay(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}
	defer cleanup()
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting relay",
		"addr", cfg.Addr,
		"outbound_mode", cfg.OutboundMode,
		"transform", cfg.Transform,
		"suppression_scope", cfg.SuppressionScope,
		"filler_policy", cfg.FillerPolicy,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Shutdown does not track hijacked connections, so calls are drained here.
	if !gw.WaitSessions(shutdownCtx) {
		n := gw.CancelSessions()
		logger.Warn("grace period elapsed, canceling calls", "sessions", n)
		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer waitCancel()
		gw.WaitSessions(waitCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

type checkReport struct {
	Addr         string         `json:"addr"`
	AgentURL     string         `json:"agent_url"`
	OutboundMode string         `json:"outbound_mode"`
	Transform    string         `json:"transform"`
	Settings     map[string]any `json:"settings"`
	Clips        map[string]int `json:"filler_clip_bytes"`
}

// runCheck validates the configuration and resolves the agent settings and
// filler clips a call would use, without accepting calls.
func runCheck(ctx context.Context, stdout io.Writer, deps phoneDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	raw, err := newSettingsSource(cfg).Load(ctx)
	if err != nil {
		return fmt.Errorf("agent settings: %w", err)
	}
	report := checkReport{
		Addr:         cfg.Addr,
		AgentURL:     cfg.AgentURL,
		OutboundMode: cfg.OutboundMode,
		Transform:    cfg.Transform,
		Clips:        make(map[string]int, len(cfg.FillerClips)),
	}
	if err := json.Unmarshal(raw, &report.Settings); err != nil {
		return fmt.Errorf("agent settings: %w", err)
	}
	if _, err := newTransformer(cfg); err != nil {
		return err
	}

	clips, err := newClipStore(ctx, cfg)
	if err != nil {
		return err
	}
	for _, name := range cfg.FillerClips {
		data, err := clips.Load(ctx, name)
		if err != nil {
			return fmt.Errorf("filler clip %q: %w", name, err)
		}
		report.Clips[name] = len(data)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func newRootCmd(deps phoneDeps) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "vai-phone",
		Short: "Relay Twilio Media Streams calls to a Deepgram voice agent",
		Long: `vai-phone accepts Twilio Media Streams WebSocket connections on /twilio and
relays each call to a Deepgram Voice Agent, handling barge-in, filler audio and
optional outbound audio transforms.

Configuration is read from VAI_PHONE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return dotenv.LoadFile(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.ErrOrStderr(), deps)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the caller endpoint (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.ErrOrStderr(), deps)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate configuration, agent settings and filler clips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), deps)
		},
	})
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps phoneDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	root := newRootCmd(deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-phone: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultPhoneDeps()))
}
