// Package config loads the configuration of a room server.
//
// Configuration comes from a single YAML file. Keys that are missing
// from the file keep their default value and command line flags may
// override the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"io"
	"os"
	"projekt/room/lib/room"
	"time"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the configuration of a room server.
type Config struct {
	// ListenAddress is the TLS control address peers connect to.
	ListenAddress string `yaml:"listen_address"`

	// SessionAddress is the address tunnel connections are accepted on.
	SessionAddress string `yaml:"session_address"`

	// AdvertiseSessionPort is the session port told to peers,
	// for rooms behind port forwarding. Zero advertises the listening port.
	AdvertiseSessionPort int `yaml:"advertise_session_port"`

	// KeyFile holds the room's private key. It is generated if it does not exist.
	KeyFile string `yaml:"key_file"`

	// MaxConnections limits simultaneous connections per listener. Zero means no limit.
	MaxConnections int `yaml:"max_connections"`

	// FeedBuffer is the number of endpoint lists queued per subscriber.
	FeedBuffer int `yaml:"feed_buffer"`

	// EventBuffer is the liveness event backlog per listener that is logged when exceeded.
	// Events are never dropped.
	EventBuffer int `yaml:"event_buffer"`

	// SessionTimeout bounds how long a peer may take to join a tunnel.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// TombstoneTTL enables compaction of departed endpoints older than this.
	// Zero keeps them forever.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`

	// CompactInterval is how often compaction runs when TombstoneTTL is set.
	CompactInterval time.Duration `yaml:"compact_interval"`

	// MetricsAddress serves Prometheus metrics. Empty disables the endpoint.
	MetricsAddress string `yaml:"metrics_address"`

	// Allow lists the operations peers may call. Empty permits all of them.
	Allow []string `yaml:"allow"`

	// LogLevel is one of debug, info, warn and error.
	LogLevel string `yaml:"log_level"`

	// Development switches to human readable logs.
	Development bool `yaml:"development"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddress:   ":23520",
		SessionAddress:  ":23521",
		KeyFile:         "room.key",
		MaxConnections:  1024,
		FeedBuffer:      16,
		EventBuffer:     256,
		SessionTimeout:  30 * time.Second,
		CompactInterval: time.Minute,
		LogLevel:        "info",
	}
}

// LoadFile loads the configuration at path on top of Default and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	err := decoder.Decode(c)
	if errors.Is(err, io.EOF) {
		// An empty file keeps the defaults.
		return nil
	}
	return err
}

// Policy returns the permission policy for peers.
func (c *Config) Policy() room.Policy {
	if len(c.Allow) == 0 {
		return room.DefaultPolicy()
	}
	return room.Policy{Allow: c.Allow}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddress == "" || c.SessionAddress == "" {
		return fmt.Errorf("%w: listen_address and session_address are required", ErrInvalid)
	}
	if c.ListenAddress == c.SessionAddress {
		return fmt.Errorf("%w: listen_address and session_address must be different", ErrInvalid)
	}
	if c.AdvertiseSessionPort < 0 || c.AdvertiseSessionPort > 65535 {
		return fmt.Errorf("%w: advertise_session_port %v is out of range", ErrInvalid, c.AdvertiseSessionPort)
	}
	if c.KeyFile == "" {
		return fmt.Errorf("%w: key_file is required", ErrInvalid)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections may not be negative", ErrInvalid)
	}
	if c.FeedBuffer <= 0 || c.EventBuffer <= 0 {
		return fmt.Errorf("%w: feed_buffer and event_buffer must be positive", ErrInvalid)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session_timeout must be positive", ErrInvalid)
	}
	if c.TombstoneTTL < 0 {
		return fmt.Errorf("%w: tombstone_ttl may not be negative", ErrInvalid)
	}
	if c.TombstoneTTL > 0 && c.CompactInterval <= 0 {
		return fmt.Errorf("%w: compact_interval must be positive when tombstone_ttl is set", ErrInvalid)
	}
	for _, method := range c.Allow {
		if _, ok := room.Manifest[method]; !ok {
			return fmt.Errorf("%w: allow lists unknown operation %q", ErrInvalid, method)
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
