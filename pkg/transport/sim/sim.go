package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/rtt"
	"github.com/bft-labs/rttbridge/pkg/transport"
)

// Name is the registry name of this backend.
const Name = "sim"

const (
	searchInterval = 10 * time.Millisecond
	writeTimeout   = 50 * time.Millisecond
)

// Transport drives a Board through the transport contract.
type Transport struct {
	board  *Board
	logger log.Logger

	mu        sync.Mutex
	dev       transport.Device
	connected bool
	cb        *rtt.ControlBlock
}

// Option configures a sim Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New returns a Transport attached to board. A nil board behaves as an
// empty USB bus.
func New(board *Board, opts ...Option) *Transport {
	t := &Transport{board: board, logger: log.NewNoopLogger()}
	for _, o := range opts {
		o(t)
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Connect(ctx context.Context, dev transport.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.board == nil || !t.board.attached() {
		return transport.NewConnectionError(dev.ID, transport.ErrProbeNotFound,
			errors.New("no simulated probe attached"))
	}
	if dev.IDCode != 0 && dev.IDCode != t.board.idcode {
		return transport.NewConnectionError(dev.ID, transport.ErrChipMismatch,
			fmt.Errorf("DPIDR 0x%08x, expected 0x%08x", t.board.idcode, dev.IDCode))
	}
	t.dev = dev
	t.connected = true
	t.logger.Debug("sim probe connected", log.String("device", dev.ID))
	return nil
}

func (t *Transport) StartStream(ctx context.Context, channels []int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return 0, transport.ErrNotConnected
	}

	start, size := t.dev.SearchStart, t.dev.SearchSize
	if size == 0 {
		start, size = t.board.ram.Base(), t.board.ram.Size()
	}

	wait := t.dev.StartWait()
	deadline := time.Now().Add(wait)
	for {
		cb, err := t.locate(start, size)
		if err == nil {
			for _, ch := range channels {
				if ch < 0 || ch >= len(cb.Up) {
					return 0, fmt.Errorf("%w: up channel %d of %d", transport.ErrBadChannel, ch, len(cb.Up))
				}
			}
			t.cb = cb
			return len(cb.Up), nil
		}
		if !errors.Is(err, rtt.ErrNotFound) {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w after %s", transport.ErrChannelNotFound, wait)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(searchInterval):
		}
	}
}

func (t *Transport) locate(start, size uint32) (*rtt.ControlBlock, error) {
	addr := t.dev.BlockAddress
	if addr == 0 {
		var err error
		if addr, err = rtt.Find(t.board.ram, start, size); err != nil {
			return nil, err
		}
	}
	return rtt.Open(t.board.ram, addr)
}

func (t *Transport) Read(channel int, p []byte) (int, error) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb == nil {
		return 0, transport.ErrNotStreaming
	}

	lost, timeout := t.board.takeFault()
	switch {
	case lost:
		return 0, transport.NewConnectionError(t.dev.ID, transport.ErrProbeLost,
			errors.New("USB device removed"))
	case timeout:
		return 0, fmt.Errorf("read channel %d: %w", channel, transport.ErrTimeout)
	}

	n, err := cb.ReadUp(channel, p)
	if errors.Is(err, rtt.ErrNoChannel) {
		return 0, fmt.Errorf("%w: %d", transport.ErrBadChannel, channel)
	}
	return n, err
}

func (t *Transport) Write(ctx context.Context, channel int, p []byte) (int, error) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb == nil {
		return 0, transport.ErrNotStreaming
	}

	deadline := time.Now().Add(writeTimeout)
	written := 0
	for written < len(p) {
		n, err := cb.WriteDown(channel, p[written:])
		if err != nil {
			return written, err
		}
		written += n
		if written == len(p) {
			break
		}
		if time.Now().After(deadline) {
			return written, transport.ErrWriteTimeout
		}
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return written, nil
}

func (t *Transport) StopStream() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = nil
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = nil
	t.connected = false
	return nil
}
