//go:build !tinygo

package relay

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"ocprelay/config"
	"ocprelay/host/optical"
	"ocprelay/host/serial"
	"ocprelay/storage"
)

// Open builds a relay from configuration, opening the block store and both
// serial ports
func Open(cfg *config.Config, logger zerolog.Logger) (*Relay, error) {
	var parts Parts
	fail := func(err error) (*Relay, error) {
		return nil, abandon(parts.Closers, err)
	}

	switch cfg.Storage.Kind {
	case "file":
		f, err := storage.OpenFile(cfg.Storage.Path, cfg.Storage.Blocks, cfg.Storage.Sync)
		if err != nil {
			return fail(err)
		}
		parts.Store = f
		parts.Closers = append(parts.Closers, f)
	default:
		parts.Store = storage.NewMemory(int(cfg.Storage.Blocks))
	}

	opticalPort, err := serial.Open(&cfg.Optical)
	if err != nil {
		return fail(fmt.Errorf("failed to open optical port: %w", err))
	}
	x, err := optical.NewSerial(opticalPort, cfg.Optical.Baud, logger)
	if err != nil {
		return fail(errors.Join(err, opticalPort.Close()))
	}
	parts.Transceiver = x
	parts.Closers = append(parts.Closers, x)

	platformPort, err := serial.Open(&cfg.Platform)
	if err != nil {
		return fail(fmt.Errorf("failed to open platform port: %w", err))
	}
	parts.Platform = platformPort
	parts.Closers = append(parts.Closers, platformPort)

	r, err := New(cfg, parts, logger)
	if err != nil {
		return fail(err)
	}
	return r, nil
}
