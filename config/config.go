// Package config loads the relay configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"ocprelay/blockring"
	"ocprelay/host/serial"
	"ocprelay/protocol"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete relay configuration
type Config struct {
	// Optical is the UART of the IR transceiver
	Optical serial.Config `yaml:"optical"`

	// Platform is the link to the attached platform
	Platform serial.Config `yaml:"platform"`

	Storage StorageConfig `yaml:"storage"`
	Link    LinkConfig    `yaml:"link"`
	Shim    ShimConfig    `yaml:"shim"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects the block store and splits it between directions
type StorageConfig struct {
	Kind   string `yaml:"kind"` // "memory" or "file"
	Path   string `yaml:"path"`
	Sync   bool   `yaml:"sync"`
	Blocks uint32 `yaml:"blocks"`

	Outgoing Range `yaml:"outgoing"`
	Incoming Range `yaml:"incoming"`

	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxWriteAttempts int           `yaml:"max_write_attempts"` // 0 retries forever
}

// Range is a half-open block address range [Start, Limit)
type Range struct {
	Start uint32 `yaml:"start"`
	Limit uint32 `yaml:"limit"`
}

// LinkConfig holds the protocol timings
type LinkConfig struct {
	BeaconTone    time.Duration `yaml:"beacon_tone"`
	BeaconTimeout time.Duration `yaml:"beacon_timeout"`
	BeaconBackoff time.Duration `yaml:"beacon_backoff"`
	VerifyWindow  time.Duration `yaml:"verify_window"`
	ListenWindow  time.Duration `yaml:"listen_window"`
	FrameWindow   time.Duration `yaml:"frame_window"`
	QuietPeriod   time.Duration `yaml:"quiet_period"`
	IdlePoll      time.Duration `yaml:"idle_poll"`
	BytePoll      time.Duration `yaml:"byte_poll"`
	AutoStart     bool          `yaml:"auto_start"`

	// EchoRepeat and StreamRetryLimit keep an explicit 0 apart from unset;
	// a retry limit of 0 retransmits without redoing the handshake
	EchoRepeat       *int `yaml:"echo_repeat"`
	StreamRetryLimit *int `yaml:"stream_retry_limit"`
}

// ShimConfig configures the platform command interface
type ShimConfig struct {
	// EscapeGuard is the silence required after "+++" to enter command mode
	EscapeGuard time.Duration `yaml:"escape_guard"`

	// Forward sends received payloads out of the platform port
	Forward *bool `yaml:"forward"`
}

// LogConfig configures the zerolog logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// LoadConfig parses YAML configuration data
func LoadConfig(data []byte) (*Config, error) {
	var config Config

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFile reads and parses a YAML configuration file
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadConfig(data)
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var config Config
	applyDefaults(&config)
	return &config
}

// applyDefaults fills in missing configuration values with sensible defaults
func applyDefaults(config *Config) {
	// Serial links
	if config.Optical.Device == "" {
		config.Optical.Device = "/dev/ttyUSB0"
	}
	if config.Optical.Baud == 0 {
		config.Optical.Baud = 115200
	}
	if config.Optical.ReadTimeout == 0 {
		config.Optical.ReadTimeout = 10
	}
	if config.Platform.Device == "" {
		config.Platform.Device = "/dev/ttyACM0"
	}
	if config.Platform.Baud == 0 {
		config.Platform.Baud = 115200
	}
	if config.Platform.ReadTimeout == 0 {
		config.Platform.ReadTimeout = 10
	}

	// Storage: half of the blocks per direction
	s := &config.Storage
	if s.Kind == "" {
		s.Kind = "memory"
	}
	if s.Blocks == 0 {
		s.Blocks = 2048
	}
	if s.Outgoing.Limit == 0 && s.Incoming.Limit == 0 {
		half := s.Blocks / 2
		s.Outgoing = Range{Start: 0, Limit: half}
		s.Incoming = Range{Start: half, Limit: s.Blocks}
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = 10 * time.Millisecond
	}

	// Link timings
	def := protocol.DefaultEngineConfig()
	l := &config.Link
	setDuration(&l.BeaconTone, def.BeaconTone)
	setDuration(&l.BeaconTimeout, def.BeaconTimeout)
	setDuration(&l.BeaconBackoff, def.BeaconBackoff)
	setDuration(&l.VerifyWindow, def.VerifyWindow)
	setDuration(&l.ListenWindow, def.ListenWindow)
	setDuration(&l.FrameWindow, def.FrameWindow)
	setDuration(&l.QuietPeriod, def.QuietPeriod)
	setDuration(&l.IdlePoll, def.IdlePoll)
	setDuration(&l.BytePoll, def.BytePoll)
	setInt(&l.EchoRepeat, def.EchoRepeat)
	setInt(&l.StreamRetryLimit, def.StreamRetryLimit)

	// Shim
	if config.Shim.EscapeGuard == 0 {
		config.Shim.EscapeGuard = time.Second
	}
	if config.Shim.Forward == nil {
		forward := true
		config.Shim.Forward = &forward
	}

	// Logging
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "console"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(p **int, def int) {
	if *p == nil {
		*p = &def
	}
}

// Validate checks the block ranges and the store selection
func (c *Config) Validate() error {
	s := c.Storage
	switch s.Kind {
	case "memory":
	case "file":
		if s.Path == "" {
			return fmt.Errorf("%w: file storage needs a path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage kind %q", ErrInvalidConfig, s.Kind)
	}

	for name, r := range map[string]Range{"outgoing": s.Outgoing, "incoming": s.Incoming} {
		if r.Limit <= r.Start {
			return fmt.Errorf("%w: %s range [%d, %d) is empty", ErrInvalidConfig, name, r.Start, r.Limit)
		}
		if r.Limit > s.Blocks {
			return fmt.Errorf("%w: %s range ends at %d, store has %d blocks", ErrInvalidConfig, name, r.Limit, s.Blocks)
		}
	}
	if s.Outgoing.Start < s.Incoming.Limit && s.Incoming.Start < s.Outgoing.Limit {
		return fmt.Errorf("%w: outgoing and incoming ranges overlap", ErrInvalidConfig)
	}
	if s.MaxWriteAttempts < 0 {
		return fmt.Errorf("%w: negative max_write_attempts", ErrInvalidConfig)
	}
	if l := c.Link; l.EchoRepeat != nil && *l.EchoRepeat < 1 {
		return fmt.Errorf("%w: echo_repeat must be at least 1", ErrInvalidConfig)
	}
	if l := c.Link; l.StreamRetryLimit != nil && *l.StreamRetryLimit < 0 {
		return fmt.Errorf("%w: negative stream_retry_limit", ErrInvalidConfig)
	}
	return nil
}

// EngineConfig converts the link section for protocol.NewEngine
func (c *Config) EngineConfig(logger zerolog.Logger) protocol.EngineConfig {
	l := c.Link
	def := protocol.DefaultEngineConfig()
	return protocol.EngineConfig{
		BeaconTone:       l.BeaconTone,
		BeaconTimeout:    l.BeaconTimeout,
		BeaconBackoff:    l.BeaconBackoff,
		VerifyWindow:     l.VerifyWindow,
		ListenWindow:     l.ListenWindow,
		FrameWindow:      l.FrameWindow,
		QuietPeriod:      l.QuietPeriod,
		IdlePoll:         l.IdlePoll,
		BytePoll:         l.BytePoll,
		EchoRepeat:       intOr(l.EchoRepeat, def.EchoRepeat),
		StreamRetryLimit: intOr(l.StreamRetryLimit, def.StreamRetryLimit),
		AutoStart:        l.AutoStart,
		Logger:           logger,
	}
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// RingConfig returns the block ring configuration for one direction
func (c *Config) RingConfig(name string, r Range, logger zerolog.Logger) blockring.Config {
	return blockring.Config{
		Name:             name,
		BlockStart:       r.Start,
		BlockLimit:       r.Limit,
		RetryDelay:       c.Storage.RetryDelay,
		MaxWriteAttempts: c.Storage.MaxWriteAttempts,
		Logger:           logger,
	}
}

// NewLogger builds the logger described by the log section
func (l LogConfig) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("%w: log level %q", ErrInvalidConfig, l.Level)
	}

	switch l.Format {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("%w: log format %q", ErrInvalidConfig, l.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
