package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vango-go/vai-phone/pkg/agentcfg"
	"github.com/vango-go/vai-phone/pkg/assets"
	"github.com/vango-go/vai-phone/pkg/audio"
	"github.com/vango-go/vai-phone/pkg/callrecord"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/handlers"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-phone/pkg/gateway/server"
)

func newSettingsSource(cfg config.Config) agentcfg.Loader {
	return agentcfg.Loader{
		SettingsPath: cfg.AgentSettingsPath,
		PromptPath:   cfg.AgentPromptPath,
		SampleRate:   cfg.SampleRate,
	}
}

// newClipStore reads filler clips from S3 when a bucket is configured and from
// the assets directory otherwise. Clips are cached for the life of the process.
func newClipStore(ctx context.Context, cfg config.Config) (*assets.Cache, error) {
	if cfg.AssetsS3Bucket != "" {
		store, err := assets.NewS3StoreFromEnv(ctx, cfg.AssetsS3Bucket, cfg.AssetsS3Prefix, cfg.AssetsS3Region, cfg.AssetsS3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("filler assets: %w", err)
		}
		return assets.NewCache(store), nil
	}
	return assets.NewCache(assets.NewDirStore(cfg.AssetsDir)), nil
}

func newTransformer(cfg config.Config) (session.Transformer, error) {
	switch cfg.Transform {
	case config.TransformTempo:
		t, err := audio.NewTempoTransformer(cfg.TempoFactor, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("tempo transform: %w", err)
		}
		return t, nil
	case config.TransformCommand:
		t, err := audio.NewCommandTransformer(cfg.TransformCommand, cfg.TransformTimeout)
		if err != nil {
			return nil, fmt.Errorf("command transform: %w", err)
		}
		return t, nil
	default:
		return nil, nil
	}
}

// newRelay builds the gateway and everything a call session needs. The
// returned cleanup releases process-wide clients after shutdown.
func newRelay(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
	clips, err := newClipStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	transform, err := newTransformer(cfg)
	if err != nil {
		return nil, nil, err
	}

	deps := gatewayserver.Deps{
		Agent: session.WSAgentDialer{
			URL:              cfg.AgentURL,
			APIKey:           cfg.AgentAPIKey,
			HandshakeTimeout: cfg.AgentHandshakeTimeout,
		},
		Settings:  newSettingsSource(cfg),
		Clips:     clips,
		Transform: transform,
	}
	if cfg.MetricsEnabled {
		deps.Metrics = metrics.New()
	}

	cleanup := func() {}
	if cfg.RedisURL != "" {
		store, err := callrecord.NewRedisStoreFromURL(cfg.RedisURL, callrecord.WithTTL(cfg.RecordTTL))
		if err != nil {
			return nil, nil, fmt.Errorf("call records: %w", err)
		}
		deps.Records = store
		deps.Checks = append(deps.Checks, handlers.ReadyCheck{Name: "redis", Check: store.Ping})
		cleanup = func() {
			if err := store.Close(); err != nil {
				logger.Warn("close call record store", "error", err)
			}
		}
	}

	return gatewayserver.New(cfg, deps, logger), cleanup, nil
}
