package bridge

import (
	"context"

	"github.com/bft-labs/rttbridge/pkg/log"
)

// Plugin extends a Bridge with work that lives as long as one run.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string

	// Initialize is called before the session starts. An error aborts Start.
	Initialize(ctx context.Context, cfg PluginConfig) error

	// Shutdown is called after the session has stopped.
	Shutdown(ctx context.Context) error
}

// PluginConfig is what a plugin learns about the run it belongs to.
type PluginConfig struct {
	DeviceID   string
	Backend    string
	RunDir     string
	DeviceDir  string
	ConfigPath string
	Logger     log.Logger
}
