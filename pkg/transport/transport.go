package transport

import (
	"context"
	"time"
)

// DefaultStartTimeout bounds the control block search in StartStream.
const DefaultStartTimeout = 5 * time.Second

// DefaultReadSize is the buffer size the session loop uses per channel read.
const DefaultReadSize = 4096

// Device identifies one target and how to reach it. It is supplied by the
// caller and never modified by a Transport.
type Device struct {
	// ID is the identity used for locking and status paths.
	ID string

	// Backend names the registered Transport implementation.
	Backend string

	// Chip is the target part name, used by child-process backends.
	Chip string

	// Probe selects a specific probe (serial number) when several are attached.
	Probe string

	// Interface is the debug wire protocol, "SWD" or "JTAG".
	Interface string

	// SpeedKHz is the debug clock.
	SpeedKHz int

	// IDCode, if non-zero, must match the debug port ID register.
	IDCode uint32

	// BlockAddress is the RTT control block address. Zero means search.
	BlockAddress uint32

	// SearchStart and SearchSize bound the control block search.
	SearchStart uint32
	SearchSize  uint32

	// Command overrides the child debugger command line.
	Command []string

	// StartTimeout bounds StartStream. Zero means DefaultStartTimeout.
	StartTimeout time.Duration
}

// Transport is the capability set every probe backend provides.
//
// Read never blocks longer than one bounded poll and reports "no data" as
// (0, nil). StopStream and Disconnect are idempotent and release the
// underlying probe handle even when earlier calls failed.
type Transport interface {
	// Connect attaches to the probe and target. Failures are *ConnectionError.
	Connect(ctx context.Context, dev Device) error

	// StartStream locates the RTT control block and returns the number of
	// up channels it describes.
	StartStream(ctx context.Context, channels []int) (int, error)

	// Read copies up to len(p) pending bytes of an up channel into p.
	Read(channel int, p []byte) (int, error)

	// Write queues p on a down channel.
	Write(ctx context.Context, channel int, p []byte) (int, error)

	// StopStream stops RTT transfer.
	StopStream() error

	// Disconnect releases the probe.
	Disconnect() error
}

// StartWait returns how long StartStream may search for the control block.
func (d Device) StartWait() time.Duration {
	if d.StartTimeout > 0 {
		return d.StartTimeout
	}
	return DefaultStartTimeout
}
