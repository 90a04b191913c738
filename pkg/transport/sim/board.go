package sim

import (
	"sync"

	"github.com/bft-labs/rttbridge/pkg/rtt"
)

// Default RAM geometry of a simulated board.
const (
	RAMBase  = 0x20000000
	RAMSize  = 64 << 10
	BlockOff = 0x100
)

// Board is an emulated probe plus target: RAM that may hold an RTT control
// block, a debug port ID, and fault switches for tests.
type Board struct {
	mu sync.Mutex

	ram      *rtt.RAM
	firmware *rtt.Target
	idcode   uint32

	present    bool
	lost       bool
	readFaults int
}

// NewBoard returns a board running firmware with the given RTT buffers.
func NewBoard(idcode uint32, up, down []rtt.BufferSpec) (*Board, error) {
	b := NewBareBoard(idcode)
	if err := b.Boot(up, down); err != nil {
		return nil, err
	}
	return b, nil
}

// NewBareBoard returns a board whose firmware has not set up RTT.
func NewBareBoard(idcode uint32) *Board {
	return &Board{
		ram:     rtt.NewRAM(RAMBase, RAMSize),
		idcode:  idcode,
		present: true,
	}
}

// Boot installs a control block, as firmware does early in main.
func (b *Board) Boot(up, down []rtt.BufferSpec) error {
	fw, err := rtt.Install(b.ram, RAMBase+BlockOff, up, down)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.firmware = fw
	b.mu.Unlock()
	return nil
}

// Emit writes p to an up channel from the firmware side.
func (b *Board) Emit(ch int, p []byte) (int, error) {
	b.mu.Lock()
	fw := b.firmware
	b.mu.Unlock()
	if fw == nil {
		return 0, rtt.ErrNotFound
	}
	return fw.WriteUp(ch, p)
}

// Drain consumes host input from a down channel.
func (b *Board) Drain(ch int, p []byte) (int, error) {
	b.mu.Lock()
	fw := b.firmware
	b.mu.Unlock()
	if fw == nil {
		return 0, rtt.ErrNotFound
	}
	return fw.ReadDown(ch, p)
}

// Unplug makes the probe vanish. A board unplugged before Connect reports
// probe-not-found; one unplugged mid-session reports probe loss.
func (b *Board) Unplug() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.present = false
	b.lost = true
}

// FailNextReads makes the next n reads time out.
func (b *Board) FailNextReads(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readFaults = n
}

func (b *Board) attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.present
}

// takeFault reports the fault, if any, the next read must surface.
func (b *Board) takeFault() (lost, timeout bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lost {
		return true, false
	}
	if b.readFaults > 0 {
		b.readFaults--
		return false, true
	}
	return false, false
}
