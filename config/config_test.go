package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocprelay/protocol"
)

func TestDefaultSplitsStore(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Storage.Kind)
	assert.Equal(t, Range{Start: 0, Limit: 1024}, cfg.Storage.Outgoing)
	assert.Equal(t, Range{Start: 1024, Limit: 2048}, cfg.Storage.Incoming)
	assert.Equal(t, 115200, cfg.Optical.Baud)
	assert.True(t, *cfg.Shim.Forward)
	assert.Equal(t, time.Second, cfg.Shim.EscapeGuard)

	def := protocol.DefaultEngineConfig()
	assert.Equal(t, def.BeaconTone, cfg.Link.BeaconTone)
	assert.Equal(t, def.EchoRepeat, *cfg.Link.EchoRepeat)
	assert.Equal(t, def.StreamRetryLimit, *cfg.Link.StreamRetryLimit)
}

func TestLoadConfig(t *testing.T) {
	data := []byte(`
optical:
  device: /dev/ttyS1
  baud: 57600
platform:
  device: /dev/ttyACM0
storage:
  kind: file
  path: /var/lib/ocp/blocks.img
  blocks: 64
  outgoing: {start: 0, limit: 16}
  incoming: {start: 32, limit: 64}
  retry_delay: 5ms
  max_write_attempts: 4
link:
  beacon_tone: 20ms
  verify_window: 1s
  echo_repeat: 3
  auto_start: true
shim:
  forward: false
log:
  level: debug
  format: json
`)
	cfg, err := LoadConfig(data)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyS1", cfg.Optical.Device)
	assert.Equal(t, 57600, cfg.Optical.Baud)
	assert.Equal(t, 10, cfg.Optical.ReadTimeout)
	assert.Equal(t, "/dev/ttyACM0", cfg.Platform.Device)
	assert.Equal(t, Range{Start: 32, Limit: 64}, cfg.Storage.Incoming)
	assert.Equal(t, 5*time.Millisecond, cfg.Storage.RetryDelay)
	assert.False(t, *cfg.Shim.Forward)

	ec := cfg.EngineConfig(zerolog.Nop())
	assert.Equal(t, 20*time.Millisecond, ec.BeaconTone)
	assert.Equal(t, time.Second, ec.VerifyWindow)
	assert.Equal(t, 3, ec.EchoRepeat)
	assert.True(t, ec.AutoStart)
	assert.Equal(t, protocol.DefaultEngineConfig().FrameWindow, ec.FrameWindow)

	rc := cfg.RingConfig("out", cfg.Storage.Outgoing, zerolog.Nop())
	assert.Equal(t, uint32(0), rc.BlockStart)
	assert.Equal(t, uint32(16), rc.BlockLimit)
	assert.Equal(t, 4, rc.MaxWriteAttempts)
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "storage: [1"},
		{"unknown kind", "storage: {kind: tape}"},
		{"file without path", "storage: {kind: file}"},
		{"empty range", "storage: {blocks: 8, outgoing: {start: 4, limit: 4}, incoming: {start: 4, limit: 8}}"},
		{"past the store", "storage: {blocks: 8, outgoing: {start: 0, limit: 4}, incoming: {start: 4, limit: 9}}"},
		{"overlap", "storage: {blocks: 8, outgoing: {start: 0, limit: 5}, incoming: {start: 4, limit: 8}}"},
		{"negative echo", "link: {echo_repeat: -1}"},
		{"no echo", "link: {echo_repeat: 0}"},
		{"negative retry limit", "link: {stream_retry_limit: -2}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestZeroRetryLimitIsKept(t *testing.T) {
	cfg, err := LoadConfig([]byte("link: {stream_retry_limit: 0}\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.EngineConfig(zerolog.Nop()).StreamRetryLimit)

	cfg, err = LoadConfig([]byte("link: {beacon_tone: 5ms}\n"))
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultEngineConfig().StreamRetryLimit, cfg.EngineConfig(zerolog.Nop()).StreamRetryLimit)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: {level: warn}\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Str("ring", "out").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"ring":"out"`)

	_, err = LogConfig{Level: "loud", Format: "json"}.NewLogger(&buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("..", "host", "cmd", "ocp-relay", "relay.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Kind)
	assert.Equal(t, time.Second, cfg.Link.FrameWindow)
	assert.True(t, cfg.Link.AutoStart)
}
