package chat

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds client-side chat settings.
type Config struct {
	// ServerURL is the gateway websocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL string
	// Token is the bearer credential attached at connect time.
	Token string

	// ReconnectAttempts bounds consecutive failed dials before giving up.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	SendQueueSize int
	MaxFrameBytes int64

	// PendingTimeout is how long a sent message may wait for its echo before
	// it is marked failed. Zero disables expiry.
	PendingTimeout time.Duration
	MaxBodyChars   int
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "ws://localhost:8080/ws",
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      25 * time.Second,
		SendQueueSize:     64,
		MaxFrameBytes:     64 << 10,
		PendingTimeout:    15 * time.Second,
		MaxBodyChars:      4000,
	}
}

// LoadConfigFromEnv overlays EDULOOM_CHAT_* variables on DefaultConfig.
// Unlike the server config, malformed values are errors.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error

	if v := envTrim("EDULOOM_CHAT_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := envTrim("EDULOOM_CHAT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if cfg.ReconnectAttempts, err = envInt("EDULOOM_CHAT_RECONNECT_ATTEMPTS", cfg.ReconnectAttempts); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelay, err = envDuration("EDULOOM_CHAT_RECONNECT_DELAY", cfg.ReconnectDelay); err != nil {
		return Config{}, err
	}
	if cfg.DialTimeout, err = envDuration("EDULOOM_CHAT_DIAL_TIMEOUT", cfg.DialTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = envDuration("EDULOOM_CHAT_PING_INTERVAL", cfg.PingInterval); err != nil {
		return Config{}, err
	}
	if cfg.PendingTimeout, err = envDuration("EDULOOM_CHAT_PENDING_TIMEOUT", cfg.PendingTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueSize, err = envInt("EDULOOM_CHAT_SEND_QUEUE", cfg.SendQueueSize); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate checks the invariants the transport and session rely on.
func (c Config) Validate() error {
	switch {
	case !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://"):
		return fmt.Errorf("%w: server url must be ws:// or wss://, got %q", ErrConfig, c.ServerURL)
	case c.ReconnectAttempts < 0:
		return fmt.Errorf("%w: reconnect attempts must be >= 0", ErrConfig)
	case c.ReconnectDelay < 0:
		return fmt.Errorf("%w: reconnect delay must be >= 0", ErrConfig)
	case c.PendingTimeout < 0:
		return fmt.Errorf("%w: pending timeout must be >= 0", ErrConfig)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("%w: send queue size must be > 0", ErrConfig)
	case c.MaxBodyChars <= 0:
		return fmt.Errorf("%w: max body chars must be > 0", ErrConfig)
	}
	return nil
}

func envTrim(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string, def int) (int, error) {
	v := envTrim(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrConfig, key, v, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := envTrim(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrConfig, key, v, err)
	}
	return d, nil
}
