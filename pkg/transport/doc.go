// Package transport defines the uniform capability set every debug-probe
// backend implements, the error taxonomy shared by backends, and the
// registry the daemon uses to resolve a backend by name.
//
// Backends live in sub-packages:
//
//	sim       in-memory target, used by tests and dry runs
//	cmsisdap  CMSIS-DAP v2 probes over USB bulk endpoints
//	process   a child debugger process (probe-rs by default)
//
// A backend is resolved once per session:
//
//	reg := transport.NewRegistry()
//	reg.Register("sim", func() transport.Transport { return sim.New(target) })
//	t, err := reg.New(dev)
package transport
