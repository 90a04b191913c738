// Package session runs one device: it owns the device lock, one transport
// and a single poll loop that feeds the capture engine and the stream
// processor, and it publishes the status document on every state change
// and on a heartbeat.
//
// Shutdown, whether requested or caused by a fatal error, always runs the
// same steps in the same order: stop the stream, close the artifacts,
// disconnect, release the lock, write the final status. Every step is
// attempted and their errors are joined.
package session
