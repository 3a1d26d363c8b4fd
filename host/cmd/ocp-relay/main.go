package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ocprelay/config"
	"ocprelay/host/relay"
	"ocprelay/protocol"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	device     = flag.String("device", "", "Optical transceiver serial device (overrides config)")
	platform   = flag.String("platform", "", "Platform serial device (overrides config)")
	baud       = flag.Int("baud", 0, "Optical baud rate (overrides config)")
	start      = flag.Bool("start", false, "Enable transmission at startup")
	verbose    = flag.Bool("verbose", false, "Enable verbose output")
	interval   = flag.Duration("status", 0, "Log link status at this interval (0 = off)")
)

func main() {
	flag.Parse()

	fmt.Printf("ocp-relay %s - Optical Link Relay\n", protocol.Version)
	fmt.Println("===================================")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Optical link on %s at %d baud, platform on %s\n",
		cfg.Optical.Device, cfg.Optical.Baud, cfg.Platform.Device)

	r, err := relay.Open(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to start relay: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *interval > 0 {
		go reportStatus(ctx, r, *interval)
	}

	if err := r.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Goodbye!")
}

// loadConfig reads the config file, if any, and applies the flag overrides
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *device != "" {
		cfg.Optical.Device = *device
	}
	if *platform != "" {
		cfg.Platform.Device = *platform
	}
	if *baud > 0 {
		cfg.Optical.Baud = *baud
	}
	if *start {
		cfg.Link.AutoStart = true
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func reportStatus(ctx context.Context, r *relay.Relay, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Stats()
			fmt.Printf("mode=%s tx=%s out=%d/%d in=%d sent=%d acked=%d recv=%d dropped=%d\n",
				st.Link.Mode, st.Link.TxMode,
				st.Outgoing.Length, st.Outgoing.Capacity, st.Incoming.Length,
				st.Link.FramesSent, st.Link.FramesAcked, st.Link.FramesReceived, st.Link.FramesDropped)
		}
	}
}
