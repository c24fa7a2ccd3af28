// Package config loads the coordinator's runtime configuration from
// environment variables and flags.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envListenAddr      = "PEERMESH_LISTEN_ADDR"
	envMode            = "PEERMESH_MODE"
	envLogFormat       = "PEERMESH_LOG_FORMAT"
	envLogLevel        = "PEERMESH_LOG_LEVEL"
	envShutdownTimeout = "PEERMESH_SHUTDOWN_TIMEOUT"
	envAllowedOrigins  = "ALLOWED_ORIGINS"

	// Signaling websocket auth + hardening.
	envAuthMode                      = "AUTH_MODE"
	envAPIKey                        = "API_KEY"
	envSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Room/relay knobs.
	envMaxRoomMembers = "MAX_ROOM_MEMBERS"
	envSendQueueDepth = "SEND_QUEUE_DEPTH"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	// DefaultSendQueueDepth bounds per-connection outbound buffering. A member
	// that falls further behind than this is disconnected rather than allowed
	// to stall delivery to others.
	DefaultSendQueueDepth = 64
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins widens the default same-host Origin policy. Entries are
	// normalized origins or "*".
	AllowedOrigins []string

	AuthMode AuthMode
	APIKey   string

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// MaxRoomMembers caps room size. <= 0 means unlimited.
	MaxRoomMembers int

	SendQueueDepth int

	// ICEServers is served to clients at GET /ice so they can construct
	// PeerConnections without a separate config channel.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	mode := Mode(envOrDefault(lookup, envMode, string(DefaultMode)))
	if mode != ModeDev && mode != ModeProd {
		return Config{}, fmt.Errorf("invalid %s %q (want dev or prod)", envMode, mode)
	}

	cfg := Config{
		ListenAddr: envOrDefault(lookup, envListenAddr, DefaultListenAddr),
		Mode:       mode,
		LogFormat:  LogFormat(envOrDefault(lookup, envLogFormat, defaultLogFormatForMode(mode))),
		AuthMode:   AuthMode(envOrDefault(lookup, envAuthMode, string(DefaultAuthMode))),
	}

	fs := flag.NewFlagSet("peermesh", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address for the HTTP/WebSocket server")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
	}

	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text or json)", envLogFormat, cfg.LogFormat)
	}

	level, err := parseLogLevel(envOrDefault(lookup, envLogLevel, defaultLogLevelForMode(mode)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.AllowedOrigins = splitCommaSeparated(envOrDefault(lookup, envAllowedOrigins, ""))

	switch cfg.AuthMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		cfg.APIKey = envOrDefault(lookup, envAPIKey, "")
		if strings.TrimSpace(cfg.APIKey) == "" {
			return Config{}, fmt.Errorf("%s=api_key requires %s", envAuthMode, envAPIKey)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want none or api_key)", envAuthMode, cfg.AuthMode)
	}

	cfg.SignalingAuthTimeout, err = envDurationOrDefault(lookup, envSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingWSIdleTimeout, err = envDurationOrDefault(lookup, envSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingWSPingInterval, err = envDurationOrDefault(lookup, envSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s must be shorter than %s", envSignalingWSPingInterval, envSignalingWSIdleTimeout)
	}

	maxBytes, err := envIntOrDefault(lookup, envMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envMaxSignalingMessageBytes)
	}
	cfg.MaxSignalingMessageBytes = int64(maxBytes)

	cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envMaxSignalingMessagesPerSecond)
	}

	cfg.MaxRoomMembers, err = envIntOrDefault(lookup, envMaxRoomMembers, 0)
	if err != nil {
		return Config{}, err
	}

	cfg.SendQueueDepth, err = envIntOrDefault(lookup, envSendQueueDepth, DefaultSendQueueDepth)
	if err != nil {
		return Config{}, err
	}
	if cfg.SendQueueDepth <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envSendQueueDepth)
	}

	cfg.ICEServers, err = parseICEServersFromEnv(lookup)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envLogLevel, raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func splitCommaSeparated(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
