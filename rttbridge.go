// Package rttbridge bridges the RTT channels of a microcontroller to files.
//
// Example usage:
//
//	cfg := rttbridge.DefaultConfig()
//	cfg.Device = "nrf52"
//	cfg.Backend = "cmsisdap"
//	cfg.Chip = "nRF52840"
//	if err := rttbridge.Run(ctx, cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// Run blocks until ctx is cancelled or the target is lost. Programs that
// need events, plugins or writes to the target use pkg/bridge directly.
package rttbridge

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bft-labs/rttbridge/internal/cliconfig"
	"github.com/bft-labs/rttbridge/pkg/bridge"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/session"
	"github.com/bft-labs/rttbridge/pkg/status"
)

// Config holds the configuration of one bridged device.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = cliconfig.Config

// Status is the document a running bridge publishes.
type Status = status.Document

// DefaultConfig returns a Config with sensible default values.
// At minimum, set Device (or Probe or Chip) before calling Run.
func DefaultConfig() Config {
	return cliconfig.DefaultConfig()
}

// Run validates cfg and bridges the device until ctx is cancelled or the
// session ends on its own. It returns nil after cancellation and the
// failure cause otherwise.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := bridge.New(cfg.SessionConfig(),
		bridge.WithLogger(log.NewZerologAdapterWithLogger(Logger(cfg.LogLevel))),
	)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-b.Done():
	}
	return b.Stop()
}

// ReadStatus loads the status document of a device under runDir.
func ReadStatus(ctx context.Context, runDir, device string) (Status, error) {
	cfg := DefaultConfig()
	cfg.RunDir, cfg.Device = runDir, device
	return status.NewFileRepository(session.DeviceDir(cfg.RunDir, cfg.Device)).Load(ctx)
}

// Healthy is the health predicate behind the status exit code.
func Healthy(doc Status, err error) bool {
	return status.Healthy(doc, err)
}

// Logger returns the console logger used by the command line.
func Logger(level string) zerolog.Logger {
	return cliconfig.Logger(level)
}
