package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as "2s"-style strings in TOML.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents ~/.convsync/config.toml.
type Config struct {
	DefaultInstance string `toml:"default_instance"`

	Server   ServerConfig   `toml:"server"`
	Presence PresenceConfig `toml:"presence"`
	Typing   TypingConfig   `toml:"typing"`
	Call     CallConfig     `toml:"call"`
	Delivery DeliveryConfig `toml:"delivery"`
	Pairing  PairingConfig  `toml:"pairing"`
	Store    StoreConfig    `toml:"store"`
	Redis    RedisConfig    `toml:"redis"`
	Log      LogConfig      `toml:"log"`
	Auth     AuthConfig     `toml:"auth"`
}

// ServerConfig controls the WebSocket listener and per-connection limits.
type ServerConfig struct {
	ListenAddr      string   `toml:"listen_addr"`
	GRPCSocket      string   `toml:"grpc_socket"` // empty = instance default
	WriteWait       Duration `toml:"write_wait"`
	PongWait        Duration `toml:"pong_wait"`
	MaxMessageBytes int64    `toml:"max_message_bytes"`
	SendBuffer      int      `toml:"send_buffer"`
}

// PresenceConfig sets the decay windows after the last session closes.
type PresenceConfig struct {
	RecentlyActive    Duration `toml:"recently_active"`
	Away              Duration `toml:"away"`
	BroadcastInterval Duration `toml:"broadcast_interval"`
}

type TypingConfig struct {
	Timeout       Duration `toml:"timeout"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type CallConfig struct {
	RingTimeout     Duration `toml:"ring_timeout"`
	DisconnectGrace Duration `toml:"disconnect_grace"`
	SweepInterval   Duration `toml:"sweep_interval"`
}

// DeliveryConfig tunes persistence retries and in-memory retention of
// terminal message entries.
type DeliveryConfig struct {
	RetryInitial     Duration `toml:"retry_initial"`
	RetryMax         Duration `toml:"retry_max"`
	RetryMaxAttempts int      `toml:"retry_max_attempts"`
	RetryInterval    Duration `toml:"retry_interval"`
	Retention        Duration `toml:"retention"`
}

type PairingConfig struct {
	TTL     Duration `toml:"ttl"`
	BaseURL string   `toml:"base_url"`
}

type StoreConfig struct {
	Path string `toml:"path"` // empty = instance default
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	TTL      Duration `toml:"ttl"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"` // empty = instance default
	Console bool   `toml:"console"`
}

// AuthConfig names the header a fronting proxy uses to pass the resolved user.
type AuthConfig struct {
	UserHeader string `toml:"user_header"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8480",
			WriteWait:       Duration(10 * time.Second),
			PongWait:        Duration(60 * time.Second),
			MaxMessageBytes: 64 * 1024,
			SendBuffer:      256,
		},
		Presence: PresenceConfig{
			RecentlyActive:    Duration(5 * time.Minute),
			Away:              Duration(30 * time.Minute),
			BroadcastInterval: Duration(30 * time.Second),
		},
		Typing: TypingConfig{
			Timeout:       Duration(2 * time.Second),
			SweepInterval: Duration(250 * time.Millisecond),
		},
		Call: CallConfig{
			RingTimeout:     Duration(35 * time.Second),
			DisconnectGrace: Duration(5 * time.Second),
			SweepInterval:   Duration(time.Second),
		},
		Delivery: DeliveryConfig{
			RetryInitial:     Duration(500 * time.Millisecond),
			RetryMax:         Duration(30 * time.Second),
			RetryMaxAttempts: 8,
			RetryInterval:    Duration(250 * time.Millisecond),
			Retention:        Duration(10 * time.Minute),
		},
		Pairing: PairingConfig{
			TTL:     Duration(2 * time.Minute),
			BaseURL: "convsync://pair",
		},
		Redis: RedisConfig{
			TTL: Duration(24 * time.Hour),
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Auth: AuthConfig{
			UserHeader: "X-User-ID",
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault reads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug/info/warn/error, got %q", c.Log.Level)
	}
	if c.Typing.Timeout <= 0 {
		return fmt.Errorf("typing.timeout must be positive")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be positive")
	}
	if c.Presence.RecentlyActive < 0 || c.Presence.Away < 0 {
		return fmt.Errorf("presence windows must not be negative")
	}
	if c.Delivery.RetryMaxAttempts <= 0 {
		return fmt.Errorf("delivery.retry_max_attempts must be positive")
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
