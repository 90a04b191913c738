package rtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for accesses outside a RAM region.
var ErrOutOfRange = errors.New("rtt: address out of range")

// RAM is a contiguous block of emulated target memory. It is safe for
// concurrent use by a host reader and a firmware writer.
type RAM struct {
	mu   sync.Mutex
	base uint32
	data []byte
}

// NewRAM allocates size bytes mapped at base.
func NewRAM(base uint32, size int) *RAM {
	return &RAM{base: base, data: make([]byte, size)}
}

// Base returns the first mapped address.
func (r *RAM) Base() uint32 { return r.base }

// Size returns the mapped length.
func (r *RAM) Size() uint32 { return uint32(len(r.data)) }

func (r *RAM) ReadMemory(addr uint32, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	off, err := r.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, r.data[off:])
	return nil
}

func (r *RAM) WriteMemory(addr uint32, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	off, err := r.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(r.data[off:], p)
	return nil
}

func (r *RAM) span(addr uint32, n int) (int, error) {
	if addr < r.base || uint64(addr-r.base)+uint64(n) > uint64(len(r.data)) {
		return 0, fmt.Errorf("%w: 0x%08x+%d", ErrOutOfRange, addr, n)
	}
	return int(addr - r.base), nil
}

// BufferSpec sizes one ring buffer for Install.
type BufferSpec struct {
	Name string
	Size uint32
}

// Target is the firmware side of a control block installed in RAM. It
// produces up-channel data and consumes down-channel data the way target
// firmware does.
type Target struct {
	ram  *RAM
	addr uint32
	up   []ring
	down []ring
}

type ring struct {
	desc uint32
	base uint32
	size uint32
}

// Install lays out a control block at addr followed by its names and
// buffers, and returns the firmware-side handle.
func Install(ram *RAM, addr uint32, up, down []BufferSpec) (*Target, error) {
	if len(up) > maxBuffers || len(down) > maxBuffers {
		return nil, fmt.Errorf("%w: too many buffers", ErrCorrupt)
	}
	t := &Target{ram: ram, addr: addr}

	total := len(up) + len(down)
	next := align4(addr + headerSize + uint32(total*descriptorSize))

	hdr := make([]byte, headerSize)
	copy(hdr, idBytes())
	binary.LittleEndian.PutUint32(hdr[16:], uint32(len(up)))
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(down)))

	specs := append(append([]BufferSpec{}, up...), down...)
	for i, spec := range specs {
		desc := addr + headerSize + uint32(i*descriptorSize)

		namePtr := uint32(0)
		if spec.Name != "" {
			namePtr = next
			name := append([]byte(spec.Name), 0)
			if err := ram.WriteMemory(next, name); err != nil {
				return nil, err
			}
			next = align4(next + uint32(len(name)))
		}
		base := next
		next = align4(next + spec.Size)

		d := make([]byte, descriptorSize)
		binary.LittleEndian.PutUint32(d[0:], namePtr)
		binary.LittleEndian.PutUint32(d[offBuffer:], base)
		binary.LittleEndian.PutUint32(d[offSize:], spec.Size)
		if err := ram.WriteMemory(desc, d); err != nil {
			return nil, err
		}

		r := ring{desc: desc, base: base, size: spec.Size}
		if i < len(up) {
			t.up = append(t.up, r)
		} else {
			t.down = append(t.down, r)
		}
	}
	if _, err := ram.span(addr, int(next-addr)); err != nil {
		return nil, err
	}

	// ID goes in last so a concurrent scan never sees a half-built block.
	if err := ram.WriteMemory(addr, hdr); err != nil {
		return nil, err
	}
	return t, nil
}

// Addr returns the control block address.
func (t *Target) Addr() uint32 { return t.addr }

// WriteUp emits p on an up channel, dropping whatever does not fit.
func (t *Target) WriteUp(ch int, p []byte) (int, error) {
	if ch < 0 || ch >= len(t.up) {
		return 0, ErrNoChannel
	}
	r := t.up[ch]
	wr, rd := t.offsets(r)

	free := r.size - wr + rd - 1
	if rd > wr {
		free = rd - wr - 1
	}
	n := min(free, uint32(len(p)))
	for i := uint32(0); i < n; i++ {
		t.poke(r.base+(wr+i)%r.size, p[i])
	}
	t.putWord(r.desc+offWrOff, (wr+n)%r.size)
	return int(n), nil
}

// ReadDown consumes pending host input from a down channel.
func (t *Target) ReadDown(ch int, p []byte) (int, error) {
	if ch < 0 || ch >= len(t.down) {
		return 0, ErrNoChannel
	}
	r := t.down[ch]
	wr, rd := t.offsets(r)

	avail := wr - rd
	if wr < rd {
		avail = r.size - rd + wr
	}
	n := min(avail, uint32(len(p)))
	for i := uint32(0); i < n; i++ {
		p[i] = t.peek(r.base + (rd+i)%r.size)
	}
	t.putWord(r.desc+offRdOff, (rd+n)%r.size)
	return int(n), nil
}

func (t *Target) offsets(r ring) (wr, rd uint32) {
	var raw [8]byte
	_ = t.ram.ReadMemory(r.desc+offWrOff, raw[:])
	return binary.LittleEndian.Uint32(raw[0:]), binary.LittleEndian.Uint32(raw[4:])
}

func (t *Target) putWord(addr, v uint32) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	_ = t.ram.WriteMemory(addr, raw[:])
}

func (t *Target) poke(addr uint32, b byte) {
	_ = t.ram.WriteMemory(addr, []byte{b})
}

func (t *Target) peek(addr uint32) byte {
	var b [1]byte
	_ = t.ram.ReadMemory(addr, b[:])
	return b[0]
}

func align4(v uint32) uint32 {
	return (v + 3) &^ 3
}
