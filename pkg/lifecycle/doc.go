// Package lifecycle is the session state machine.
//
// A Manager holds the current state, validates every transition against a
// fixed table, reports transitions to an EventEmitter and logs them. It
// also tracks the session's worker goroutine so Stop can wait for it.
//
// # State Machine
//
// Valid state transitions:
//   - Stopped -> Starting
//   - Starting -> Connecting
//   - Connecting -> Connected
//   - Connected -> Streaming
//   - Streaming <-> Degraded
//   - Starting, Connecting, Connected, Streaming, Degraded -> Stopping
//   - any state except Stopped and Error -> Error
//   - Stopping, Error -> Stopped
package lifecycle
