package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig holds the websocket gateway policy.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's origin verification.
	DevInsecure bool

	// OriginRequired rejects handshakes without an Origin header. Native
	// clients do not send one, so it defaults to false.
	OriginRequired bool
	AllowedOrigins []string

	// RequireAuth rejects handshakes without a valid bearer credential.
	// Authenticated senders always overwrite the sender field.
	RequireAuth bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	HistoryLimit int
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		RequireAuth:      true,
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		HistoryLimit:     defaultHistoryLimit,
	}
}

// LoadGatewayConfigFromEnv overlays EDULOOM_WS_* variables on the defaults.
func LoadGatewayConfigFromEnv() GatewayConfig {
	def := DefaultGatewayConfig()
	cfg := GatewayConfig{
		DevInsecure:      envBoolWS("EDULOOM_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("EDULOOM_WS_ORIGIN_REQUIRED", false),
		AllowedOrigins:   envCSVWS("EDULOOM_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		RequireAuth:      envBoolWS("EDULOOM_WS_REQUIRE_AUTH", def.RequireAuth),
		WriteTimeout:     envDurationWS("EDULOOM_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:  envDurationWS("EDULOOM_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:    envIntWS("EDULOOM_WS_SEND_QUEUE", def.SendQueueSize),
		HeartbeatEvery:   envDurationWS("EDULOOM_WS_HEARTBEAT_INTERVAL", def.HeartbeatEvery),
		HeartbeatTimeout: envDurationWS("EDULOOM_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:       envIntWS("EDULOOM_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:       envDurationWS("EDULOOM_WS_RATE_WINDOW", def.RateWindow),
		HistoryLimit:     envIntWS("EDULOOM_WS_HISTORY_LIMIT", def.HistoryLimit),
	}
	return cfg.normalized()
}

// normalized fills zero values with defaults and clamps limits.
func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.HistoryLimit > maxHistoryLimit {
		c.HistoryLimit = maxHistoryLimit
	}
	return c
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
