// Package bridge provides an embeddable RTT bridge for one target device.
//
// A Bridge owns a session (probe connection, poll loop, capture artifact,
// text sinks, status document, device lock) and the optional extras around
// it: plugins, retention of old artifacts, and the demo firmware of the
// simulated backend. It can be used from the rttbridge CLI or embedded as a
// library in other Go programs.
//
// # Basic Usage
//
//	dev := transport.Device{ID: "board-1", Backend: cmsisdap.Name}
//	cfg := session.DefaultConfig(dev, "/tmp/rttbridge")
//
//	b, err := bridge.New(cfg, bridge.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err) // *lock.HeldError when another daemon owns the device
//	}
//
//	// ... run until shutdown signal or <-b.Done() ...
//
//	if err := b.Stop(); err != nil {
//	    log.Printf("session ended: %v", err)
//	}
//
// # Event Handling
//
// Implement [EventHandler] and pass it via [WithEventHandler] to observe
// state transitions. Events are called synchronously from the poll loop;
// implementations should return quickly.
//
// # Backends
//
// The transport is resolved once, in [New], from a [transport.Registry].
// [DefaultRegistry] knows the sim, cmsisdap and process backends; pass
// [WithRegistry] to add or replace backends.
//
// # Plugins and Retention
//
//	b, err := bridge.New(cfg,
//	    configwatcher.WithConfigWatcher(configwatcher.Config{OnChange: reload}),
//	    bridge.WithRetentionConfig(bridge.DefaultRetentionConfig()),
//	)
//
// Plugins are initialized in registration order before the session starts
// and shut down in reverse order after it stops.
package bridge
