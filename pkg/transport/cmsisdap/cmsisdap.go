package cmsisdap

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
const Name = "cmsisdap"

// Default control block search window: the first 64KiB of SRAM on most
// Cortex-M parts.
const (
	DefaultSearchStart = 0x20000000
	DefaultSearchSize  = 64 << 10
)

const (
	searchInterval = 50 * time.Millisecond
	writeTimeout   = 100 * time.Millisecond
)

// Transport reads RTT buffers through a CMSIS-DAP probe's MEM-AP.
type Transport struct {
	logger log.Logger
	open   func(serial string) (link, error)

	mu  sync.Mutex
	dev transport.Device
	dap *dap
	cb  *rtt.ControlBlock
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New returns an unconnected Transport.
func New(opts ...Option) *Transport {
	t := &Transport{logger: log.NewNoopLogger(), open: openUSB}
	for _, o := range opts {
		o(t)
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Connect(ctx context.Context, dev transport.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dap != nil {
		return nil
	}

	l, err := t.open(dev.Probe)
	if err != nil {
		return transport.NewConnectionError(dev.ID, transport.ErrProbeNotFound, err)
	}
	d := newDAP(l)

	idr, err := d.attach(ctx, dev.SpeedKHz)
	if err != nil {
		_ = d.detach()
		_ = l.Close()
		return transport.NewConnectionError(dev.ID, transport.ErrChipMismatch,
			fmt.Errorf("target did not respond on SWD: %w", err))
	}
	if dev.IDCode != 0 && idr != dev.IDCode {
		_ = d.detach()
		_ = l.Close()
		return transport.NewConnectionError(dev.ID, transport.ErrChipMismatch,
			fmt.Errorf("DPIDR 0x%08x, expected 0x%08x", idr, dev.IDCode))
	}

	t.dev = dev
	t.dap = d
	t.logger.Info("probe attached",
		log.String("device", dev.ID),
		log.Hex("dpidr", idr),
		log.Int("packet_size", d.packetSize),
	)
	return nil
}

func (t *Transport) StartStream(ctx context.Context, channels []int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dap == nil {
		return 0, transport.ErrNotConnected
	}

	mem := memAP{dap: t.dap}
	start, size := t.dev.SearchStart, t.dev.SearchSize
	if size == 0 {
		start, size = DefaultSearchStart, DefaultSearchSize
	}

	wait := t.dev.StartWait()
	deadline := time.Now().Add(wait)
	for {
		addr := t.dev.BlockAddress
		var err error
		if addr == 0 {
			addr, err = rtt.Find(mem, start, size)
		}
		var cb *rtt.ControlBlock
		if err == nil {
			cb, err = rtt.Open(mem, addr)
		}
		if err == nil {
			for _, ch := range channels {
				if ch < 0 || ch >= len(cb.Up) {
					return 0, fmt.Errorf("%w: up channel %d of %d", transport.ErrBadChannel, ch, len(cb.Up))
				}
			}
			t.cb = cb
			t.logger.Info("RTT control block found",
				log.Hex("address", cb.Addr),
				log.Int("up", len(cb.Up)),
				log.Int("down", len(cb.Down)),
			)
			return len(cb.Up), nil
		}
		if !errors.Is(err, rtt.ErrNotFound) {
			if fatal := t.fatal(err); fatal != nil {
				return 0, fatal
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w after %s in 0x%08x+0x%x", transport.ErrChannelNotFound, wait, start, size)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(searchInterval):
		}
	}
}

func (t *Transport) Read(channel int, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cb == nil {
		return 0, transport.ErrNotStreaming
	}
	n, err := t.cb.ReadUp(channel, p)
	if err != nil {
		return 0, t.classify(fmt.Sprintf("read channel %d", channel), err)
	}
	return n, nil
}

func (t *Transport) Write(ctx context.Context, channel int, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cb == nil {
		return 0, transport.ErrNotStreaming
	}

	deadline := time.Now().Add(writeTimeout)
	written := 0
	for written < len(p) {
		n, err := t.cb.WriteDown(channel, p[written:])
		if err != nil {
			return written, t.classify(fmt.Sprintf("write channel %d", channel), err)
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
	if t.dap == nil {
		return nil
	}
	d := t.dap
	t.dap = nil

	err := d.detach()
	if cerr := d.link.Close(); err == nil {
		err = cerr
	}
	if err != nil && errors.Is(err, errLinkGone) {
		return nil
	}
	return err
}

// classify maps probe errors onto the transport taxonomy.
func (t *Transport) classify(op string, err error) error {
	if fatal := t.fatal(err); fatal != nil {
		return fatal
	}
	if errors.Is(err, rtt.ErrNoChannel) {
		return fmt.Errorf("%s: %w", op, transport.ErrBadChannel)
	}
	// WAIT, FAULT, timeouts and torn ring offsets clear once the target
	// settles; the session escalates if they persist.
	return fmt.Errorf("%s: %w (%v)", op, transport.ErrTimeout, err)
}

func (t *Transport) fatal(err error) error {
	if errors.Is(err, errLinkGone) {
		return transport.NewConnectionError(t.dev.ID, transport.ErrProbeLost, err)
	}
	return nil
}
