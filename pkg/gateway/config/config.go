package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
)

// EnvPrefix is prepended to every variable name below.
const EnvPrefix = "VAI_PHONE"

// Transform names accepted by VAI_PHONE_TRANSFORM.
const (
	TransformNone    = "none"
	TransformTempo   = "tempo"
	TransformCommand = "command"
)

type Config struct {
	Addr      string `envconfig:"ADDR" default:":8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// Voice agent.
	AgentURL              string        `envconfig:"AGENT_URL" default:"wss://agent.deepgram.com/v1/agent/converse"`
	AgentAPIKey           string        `envconfig:"AGENT_API_KEY"`
	AgentSettingsPath     string        `envconfig:"AGENT_SETTINGS"`
	AgentPromptPath       string        `envconfig:"AGENT_PROMPT"`
	AgentHandshakeTimeout time.Duration `envconfig:"AGENT_HANDSHAKE_TIMEOUT" default:"10s"`
	AgentKeepAlive        time.Duration `envconfig:"AGENT_KEEPALIVE" default:"5s"`

	// Audio framing.
	SampleRate int `envconfig:"SAMPLE_RATE" default:"8000"`
	FrameBytes int `envconfig:"FRAME_BYTES" default:"800"`

	// Outbound delivery.
	OutboundMode       string        `envconfig:"OUTBOUND_MODE" default:"immediate"`
	TransformIdleFlush time.Duration `envconfig:"TRANSFORM_IDLE_FLUSH" default:"100ms"`
	TransformTimeout   time.Duration `envconfig:"TRANSFORM_TIMEOUT" default:"2s"`
	Transform          string        `envconfig:"TRANSFORM" default:"none"`
	TempoFactor        float64       `envconfig:"TEMPO_FACTOR" default:"1.1"`
	TransformCommand   string        `envconfig:"TRANSFORM_COMMAND"`

	// Barge-in and fillers.
	SuppressionScope  string        `envconfig:"SUPPRESSION_SCOPE" default:"turn"`
	FillerPolicy      string        `envconfig:"FILLER_POLICY" default:"utterance"`
	FillerClips       []string      `envconfig:"FILLER_CLIPS" default:"filler"`
	FillerChunkBytes  int           `envconfig:"FILLER_CHUNK_BYTES" default:"160"`
	FillerLoop        bool          `envconfig:"FILLER_LOOP" default:"true"`
	FillerCancelGrace time.Duration `envconfig:"FILLER_CANCEL_GRACE" default:"100ms"`
	FillerSilenceGap  time.Duration `envconfig:"FILLER_SILENCE_GAP" default:"1500ms"`
	VoiceThreshold    float64       `envconfig:"VOICE_THRESHOLD" default:"500"`

	// Filler assets: a local directory, or S3 when a bucket is set.
	AssetsDir        string `envconfig:"ASSETS_DIR" default:"assets"`
	AssetsS3Bucket   string `envconfig:"ASSETS_S3_BUCKET"`
	AssetsS3Prefix   string `envconfig:"ASSETS_S3_PREFIX"`
	AssetsS3Region   string `envconfig:"ASSETS_S3_REGION"`
	AssetsS3Endpoint string `envconfig:"ASSETS_S3_ENDPOINT"`

	// Call records are written to Redis when a URL is set.
	RedisURL  string        `envconfig:"REDIS_URL"`
	RecordTTL time.Duration `envconfig:"RECORD_TTL" default:"168h"`

	// Caller WebSocket.
	MaxSessions         int           `envconfig:"MAX_SESSIONS" default:"100"`
	MaxJSONMessageBytes int64         `envconfig:"MAX_JSON_MESSAGE_BYTES" default:"65536"`
	MaxAudioFPS         int           `envconfig:"MAX_AUDIO_FPS" default:"100"`
	MaxAudioBPS         int64         `envconfig:"MAX_AUDIO_BPS" default:"65536"`
	InboundBurstSeconds int           `envconfig:"INBOUND_BURST_SECONDS" default:"2"`
	WSPingInterval      time.Duration `envconfig:"WS_PING_INTERVAL" default:"20s"`
	WSWriteTimeout      time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSReadTimeout       time.Duration `envconfig:"WS_READ_TIMEOUT" default:"0s"`
	WSHandshakeTimeout  time.Duration `envconfig:"WS_HANDSHAKE_TIMEOUT" default:"5s"`
	MaxSessionDuration  time.Duration `envconfig:"MAX_SESSION_DURATION" default:"2h"`

	// Operational defaults
	ReadHeaderTimeout   time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"10s"`
	ShutdownGracePeriod time.Duration `envconfig:"SHUTDOWN_GRACE_PERIOD" default:"30s"`
	MetricsEnabled      bool          `envconfig:"METRICS_ENABLED" default:"true"`

	outboundMode     session.OutboundMode
	suppressionScope session.SuppressionScope
	fillerPolicy     session.FillerPolicy
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}
	if strings.TrimSpace(cfg.AgentAPIKey) == "" {
		cfg.AgentAPIKey = strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY"))
	}
	cfg.FillerClips = trimList(cfg.FillerClips)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	var err error
	if cfg.outboundMode, err = session.ParseOutboundMode(cfg.OutboundMode); err != nil {
		return fmt.Errorf("VAI_PHONE_OUTBOUND_MODE: %w", err)
	}
	if cfg.suppressionScope, err = session.ParseSuppressionScope(cfg.SuppressionScope); err != nil {
		return fmt.Errorf("VAI_PHONE_SUPPRESSION_SCOPE: %w", err)
	}
	if cfg.fillerPolicy, err = session.ParseFillerPolicy(cfg.FillerPolicy); err != nil {
		return fmt.Errorf("VAI_PHONE_FILLER_POLICY: %w", err)
	}

	if strings.TrimSpace(cfg.AgentAPIKey) == "" {
		return fmt.Errorf("VAI_PHONE_AGENT_API_KEY (or DEEPGRAM_API_KEY) must be set")
	}
	if strings.TrimSpace(cfg.AgentURL) == "" {
		return fmt.Errorf("VAI_PHONE_AGENT_URL must not be empty")
	}
	if cfg.AgentHandshakeTimeout <= 0 {
		return fmt.Errorf("VAI_PHONE_AGENT_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.AgentKeepAlive <= 0 {
		return fmt.Errorf("VAI_PHONE_AGENT_KEEPALIVE must be > 0")
	}
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("VAI_PHONE_SAMPLE_RATE must be > 0")
	}
	if cfg.FrameBytes <= 0 {
		return fmt.Errorf("VAI_PHONE_FRAME_BYTES must be > 0")
	}
	if cfg.TransformIdleFlush <= 0 {
		return fmt.Errorf("VAI_PHONE_TRANSFORM_IDLE_FLUSH must be > 0")
	}
	if cfg.TransformTimeout <= 0 {
		return fmt.Errorf("VAI_PHONE_TRANSFORM_TIMEOUT must be > 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transform)) {
	case "", TransformNone:
		cfg.Transform = TransformNone
	case TransformTempo:
		cfg.Transform = TransformTempo
		if cfg.TempoFactor < 0.5 || cfg.TempoFactor > 2 {
			return fmt.Errorf("VAI_PHONE_TEMPO_FACTOR must be within [0.5, 2]")
		}
	case TransformCommand:
		cfg.Transform = TransformCommand
		if strings.TrimSpace(cfg.TransformCommand) == "" {
			return fmt.Errorf("VAI_PHONE_TRANSFORM_COMMAND must be set when VAI_PHONE_TRANSFORM=command")
		}
	default:
		return fmt.Errorf("VAI_PHONE_TRANSFORM must be one of none|tempo|command")
	}
	if cfg.Transform != TransformNone && cfg.outboundMode != session.OutboundBuffered {
		return fmt.Errorf("VAI_PHONE_TRANSFORM requires VAI_PHONE_OUTBOUND_MODE=buffered")
	}
	if cfg.FillerChunkBytes <= 0 {
		return fmt.Errorf("VAI_PHONE_FILLER_CHUNK_BYTES must be > 0")
	}
	if cfg.FillerCancelGrace < 0 {
		return fmt.Errorf("VAI_PHONE_FILLER_CANCEL_GRACE must be >= 0")
	}
	if cfg.FillerSilenceGap <= 0 {
		return fmt.Errorf("VAI_PHONE_FILLER_SILENCE_GAP must be > 0")
	}
	if cfg.VoiceThreshold <= 0 {
		return fmt.Errorf("VAI_PHONE_VOICE_THRESHOLD must be > 0")
	}
	if cfg.RecordTTL <= 0 {
		return fmt.Errorf("VAI_PHONE_RECORD_TTL must be > 0")
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("VAI_PHONE_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return fmt.Errorf("VAI_PHONE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return fmt.Errorf("VAI_PHONE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBPS < 0 {
		return fmt.Errorf("VAI_PHONE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return fmt.Errorf("VAI_PHONE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBPS > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("VAI_PHONE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_PHONE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_PHONE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return fmt.Errorf("VAI_PHONE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return fmt.Errorf("VAI_PHONE_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return fmt.Errorf("VAI_PHONE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_PHONE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_PHONE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "text", "json":
	default:
		return fmt.Errorf("VAI_PHONE_LOG_FORMAT must be one of text|json")
	}
	return nil
}

// Session returns the per-call settings derived from the configuration.
func (cfg Config) Session() session.Config {
	return session.Config{
		SampleRate:          cfg.SampleRate,
		FrameBytes:          cfg.FrameBytes,
		OutboundMode:        cfg.outboundMode,
		IdleFlush:           cfg.TransformIdleFlush,
		TransformTimeout:    cfg.TransformTimeout,
		SuppressionScope:    cfg.suppressionScope,
		FillerPolicy:        cfg.fillerPolicy,
		FillerClips:         append([]string(nil), cfg.FillerClips...),
		FillerChunkBytes:    cfg.FillerChunkBytes,
		FillerLoop:          cfg.FillerLoop,
		FillerCancelGrace:   cfg.FillerCancelGrace,
		FillerSilenceGap:    cfg.FillerSilenceGap,
		VoiceThreshold:      cfg.VoiceThreshold,
		MaxJSONMessageBytes: cfg.MaxJSONMessageBytes,
		MaxAudioFPS:         cfg.MaxAudioFPS,
		MaxAudioBPS:         cfg.MaxAudioBPS,
		InboundBurstSeconds: cfg.InboundBurstSeconds,
		PingInterval:        cfg.WSPingInterval,
		WriteTimeout:        cfg.WSWriteTimeout,
		ReadTimeout:         cfg.WSReadTimeout,
		MaxSessionDuration:  cfg.MaxSessionDuration,
		AgentKeepAlive:      cfg.AgentKeepAlive,
	}
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
