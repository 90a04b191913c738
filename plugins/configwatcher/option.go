package configwatcher

import "github.com/bft-labs/rttbridge/pkg/bridge"

// WithConfigWatcher returns a bridge Option that enables config file
// watching. The bridge must also know its config path (bridge.WithConfigPath).
//
// Usage:
//
//	b, err := bridge.New(cfg,
//	    bridge.WithConfigPath(path),
//	    configwatcher.WithConfigWatcher(configwatcher.Config{
//	        OnChange: func(string) { reload <- struct{}{} },
//	    }),
//	)
func WithConfigWatcher(cfg Config) bridge.Option {
	plugin := New(cfg)
	return bridge.WithPlugin(plugin)
}
