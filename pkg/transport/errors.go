package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProbeNotFound means no matching debug probe is attached.
	ErrProbeNotFound = errors.New("transport: probe not found")

	// ErrChipMismatch means the attached target is not the expected part.
	ErrChipMismatch = errors.New("transport: chip mismatch")

	// ErrChannelNotFound means the RTT control block was not found in time.
	ErrChannelNotFound = errors.New("transport: RTT control block not found")

	// ErrWriteTimeout means a down-channel write could not complete.
	ErrWriteTimeout = errors.New("transport: write timeout")

	// ErrTimeout is a transient probe I/O failure.
	ErrTimeout = errors.New("transport: probe timeout")

	// ErrProbeLost means the probe disappeared during a session.
	ErrProbeLost = errors.New("transport: probe lost")

	// ErrNotConnected is returned by operations that need Connect first.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrNotStreaming is returned by Read/Write before StartStream.
	ErrNotStreaming = errors.New("transport: stream not started")

	// ErrUnknownBackend is returned by the registry.
	ErrUnknownBackend = errors.New("transport: unknown backend")

	// ErrBadChannel is returned for channel numbers outside the control block.
	ErrBadChannel = errors.New("transport: no such channel")
)

// ConnectionError is a fatal failure to reach or keep the probe.
// Reason is one of the sentinels above; Detail holds the raw probe message.
type ConnectionError struct {
	Device string
	Reason error
	Detail string
}

func (e *ConnectionError) Error() string {
	msg := e.Reason.Error()
	if e.Device != "" {
		msg = fmt.Sprintf("%s (device %s)", msg, e.Device)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Reason }

// NewConnectionError builds a ConnectionError, folding the raw cause into a
// single-line detail.
func NewConnectionError(device string, reason error, cause error) *ConnectionError {
	ce := &ConnectionError{Device: device, Reason: reason}
	if cause != nil {
		ce.Detail = oneLine(cause.Error())
	}
	return ce
}

// IsTransient reports whether err may clear on its own on the next poll.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrTimeout)
}

// Detail extracts the raw probe detail of err, if any.
func Detail(err error) string {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Detail
	}
	return ""
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	return strings.Join(strings.Fields(s), " ")
}
