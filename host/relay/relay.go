// Package relay assembles a complete optical relay: block store, the two
// block ring managers, the link engine, the transceiver and the platform
// shim.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ocprelay/blockring"
	"ocprelay/config"
	"ocprelay/host/platform"
	"ocprelay/protocol"
)

// Parts are the hardware-facing pieces of a relay
type Parts struct {
	Store       blockring.BlockStore
	Transceiver protocol.Transceiver
	Platform    io.ReadWriter

	// Gain is optional
	Gain platform.GainControl

	// Closers are closed in reverse order by Relay.Close
	Closers []io.Closer
}

// Relay represents a running relay node
type Relay struct {
	cfg    *config.Config
	logger zerolog.Logger

	out    *blockring.Manager
	in     *blockring.Manager
	engine *protocol.Engine
	shim   *platform.Shim

	closers []io.Closer
}

// Stats is a snapshot of the link and both buffers
type Stats struct {
	Link     protocol.Status
	Outgoing blockring.Stats
	Incoming blockring.Stats
}

// New wires a relay from already opened parts
func New(cfg *config.Config, parts Parts, logger zerolog.Logger) (*Relay, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if parts.Store == nil || parts.Transceiver == nil || parts.Platform == nil {
		return nil, fmt.Errorf("store, transceiver and platform port are required")
	}

	out, err := blockring.New(parts.Store, cfg.RingConfig("outgoing", cfg.Storage.Outgoing, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create outgoing buffer: %w", err)
	}
	in, err := blockring.New(parts.Store, cfg.RingConfig("incoming", cfg.Storage.Incoming, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create incoming buffer: %w", err)
	}

	r := &Relay{
		cfg:     cfg,
		logger:  logger.With().Str("component", "relay").Logger(),
		out:     out,
		in:      in,
		closers: parts.Closers,
	}

	// the shim is the engine's sink and the engine is the shim's link
	r.engine, err = protocol.NewEngine(cfg.EngineConfig(logger), out, parts.Transceiver, func(p []byte) {
		r.shim.Deliver(p)
	})
	if err != nil {
		return nil, err
	}

	r.shim, err = platform.NewShim(platform.Config{
		EscapeGuard: cfg.Shim.EscapeGuard,
		Forward:     cfg.Shim.Forward == nil || *cfg.Shim.Forward,
		Gain:        parts.Gain,
		Logger:      logger,
	}, parts.Platform, out, in, r.engine)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Run runs the outbound and inbound link activities and the platform shim
// until ctx is done or one of them fails
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Uint32("out_start", r.cfg.Storage.Outgoing.Start).
		Uint32("out_limit", r.cfg.Storage.Outgoing.Limit).
		Uint32("in_start", r.cfg.Storage.Incoming.Start).
		Uint32("in_limit", r.cfg.Storage.Incoming.Limit).
		Msg("relay running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.engine.RunOutbound(gctx) })
	g.Go(func() error { return r.engine.RunInbound(gctx) })
	g.Go(func() error { return r.shim.Run(gctx) })

	err := g.Wait()
	r.logger.Info().Err(err).Msg("relay stopped")
	return err
}

// Engine returns the link engine
func (r *Relay) Engine() *protocol.Engine {
	return r.engine
}

// Shim returns the platform shim
func (r *Relay) Shim() *platform.Shim {
	return r.shim
}

// Outgoing returns the buffer drained over the link
func (r *Relay) Outgoing() *blockring.Manager {
	return r.out
}

// Incoming returns the buffer holding received payloads
func (r *Relay) Incoming() *blockring.Manager {
	return r.in
}

// Stats returns a snapshot for status reporting
func (r *Relay) Stats() Stats {
	return Stats{
		Link:     r.engine.Status(),
		Outgoing: r.out.Stats(),
		Incoming: r.in.Stats(),
	}
}

// Close stops pending block writes and closes the parts. Run must have
// returned or be about to, since closing the ports ends the read loops.
func (r *Relay) Close() error {
	errs := []error{r.out.Close(), r.in.Close()}
	errs = append(errs, closeAll(r.closers))
	return errors.Join(errs...)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// abandon closes what was opened before err and reports both
func abandon(closers []io.Closer, err error) error {
	return errors.Join(err, closeAll(closers))
}
