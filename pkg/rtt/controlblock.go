package rtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ID is the marker firmware places at the start of the control block.
const ID = "SEGGER RTT"

const (
	idSize         = 16
	headerSize     = idSize + 8
	descriptorSize = 24
	maxBuffers     = 32
	maxNameLen     = 32

	offBuffer = 4
	offSize   = 8
	offWrOff  = 12
	offRdOff  = 16
	offFlags  = 20

	scanChunk = 1024
)

var (
	// ErrNotFound means no control block exists in the searched range.
	ErrNotFound = errors.New("rtt: control block not found")

	// ErrCorrupt means the control block or a ring buffer holds impossible values.
	ErrCorrupt = errors.New("rtt: control block corrupt")

	// ErrNoChannel means the channel index exceeds the buffers described.
	ErrNoChannel = errors.New("rtt: no such channel")
)

// Memory is word-agnostic access to target memory.
type Memory interface {
	ReadMemory(addr uint32, p []byte) error
	WriteMemory(addr uint32, p []byte) error
}

// Buffer describes one ring buffer of the control block.
type Buffer struct {
	Name  string
	Base  uint32
	Size  uint32
	Flags uint32

	desc uint32
}

// ControlBlock is the host-side view of a located RTT control block.
type ControlBlock struct {
	Addr uint32
	Up   []Buffer
	Down []Buffer

	mem Memory
}

// Find scans [start, start+size) for the control block ID and returns its
// address.
func Find(mem Memory, start, size uint32) (uint32, error) {
	id := idBytes()
	chunk := make([]byte, scanChunk+idSize)
	for off := uint32(0); off < size; off += scanChunk {
		n := uint32(len(chunk))
		if off+n > size {
			n = size - off
		}
		if n < idSize {
			break
		}
		buf := chunk[:n]
		if err := mem.ReadMemory(start+off, buf); err != nil {
			return 0, fmt.Errorf("scan 0x%08x: %w", start+off, err)
		}
		if i := bytes.Index(buf, id); i >= 0 {
			return start + off + uint32(i), nil
		}
	}
	return 0, ErrNotFound
}

// Open parses the control block at addr.
func Open(mem Memory, addr uint32) (*ControlBlock, error) {
	hdr := make([]byte, headerSize)
	if err := mem.ReadMemory(addr, hdr); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr[:idSize], idBytes()) {
		return nil, ErrNotFound
	}
	nup := int32(binary.LittleEndian.Uint32(hdr[16:]))
	ndown := int32(binary.LittleEndian.Uint32(hdr[20:]))
	if nup < 0 || nup > maxBuffers || ndown < 0 || ndown > maxBuffers {
		return nil, fmt.Errorf("%w: %d up, %d down buffers", ErrCorrupt, nup, ndown)
	}

	cb := &ControlBlock{Addr: addr, mem: mem}
	descs := make([]byte, descriptorSize*int(nup+ndown))
	if len(descs) > 0 {
		if err := mem.ReadMemory(addr+headerSize, descs); err != nil {
			return nil, err
		}
	}
	for i := 0; i < int(nup+ndown); i++ {
		d := descs[i*descriptorSize:]
		b := Buffer{
			Base:  binary.LittleEndian.Uint32(d[offBuffer:]),
			Size:  binary.LittleEndian.Uint32(d[offSize:]),
			Flags: binary.LittleEndian.Uint32(d[offFlags:]),
			desc:  addr + headerSize + uint32(i*descriptorSize),
		}
		if namePtr := binary.LittleEndian.Uint32(d); namePtr != 0 {
			b.Name = readName(mem, namePtr)
		}
		if i < int(nup) {
			cb.Up = append(cb.Up, b)
		} else {
			cb.Down = append(cb.Down, b)
		}
	}
	return cb, nil
}

// ReadUp drains up to len(p) bytes from an up buffer and advances RdOff.
func (cb *ControlBlock) ReadUp(ch int, p []byte) (int, error) {
	if ch < 0 || ch >= len(cb.Up) {
		return 0, ErrNoChannel
	}
	b := cb.Up[ch]
	if b.Size == 0 || len(p) == 0 {
		return 0, nil
	}
	wr, rd, err := cb.offsets(b)
	if err != nil {
		return 0, err
	}

	avail := wr - rd
	if wr < rd {
		avail = b.Size - rd + wr
	}
	n := min(avail, uint32(len(p)))
	if n == 0 {
		return 0, nil
	}

	first := min(n, b.Size-rd)
	if err := cb.mem.ReadMemory(b.Base+rd, p[:first]); err != nil {
		return 0, err
	}
	if first < n {
		if err := cb.mem.ReadMemory(b.Base, p[first:n]); err != nil {
			return 0, err
		}
	}

	if err := cb.putWord(b.desc+offRdOff, (rd+n)%b.Size); err != nil {
		return 0, err
	}
	return int(n), nil
}

// WriteDown queues as much of p as fits in a down buffer and advances WrOff.
func (cb *ControlBlock) WriteDown(ch int, p []byte) (int, error) {
	if ch < 0 || ch >= len(cb.Down) {
		return 0, ErrNoChannel
	}
	b := cb.Down[ch]
	if b.Size == 0 || len(p) == 0 {
		return 0, nil
	}
	wr, rd, err := cb.offsets(b)
	if err != nil {
		return 0, err
	}

	free := b.Size - wr + rd - 1
	if rd > wr {
		free = rd - wr - 1
	}
	n := min(free, uint32(len(p)))
	if n == 0 {
		return 0, nil
	}

	first := min(n, b.Size-wr)
	if err := cb.mem.WriteMemory(b.Base+wr, p[:first]); err != nil {
		return 0, err
	}
	if first < n {
		if err := cb.mem.WriteMemory(b.Base, p[first:n]); err != nil {
			return 0, err
		}
	}

	if err := cb.putWord(b.desc+offWrOff, (wr+n)%b.Size); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (cb *ControlBlock) offsets(b Buffer) (wr, rd uint32, err error) {
	var raw [8]byte
	if err := cb.mem.ReadMemory(b.desc+offWrOff, raw[:]); err != nil {
		return 0, 0, err
	}
	wr = binary.LittleEndian.Uint32(raw[0:])
	rd = binary.LittleEndian.Uint32(raw[4:])
	if wr >= b.Size || rd >= b.Size {
		return 0, 0, fmt.Errorf("%w: offsets wr=%d rd=%d size=%d", ErrCorrupt, wr, rd, b.Size)
	}
	return wr, rd, nil
}

func (cb *ControlBlock) putWord(addr, v uint32) error {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	return cb.mem.WriteMemory(addr, raw[:])
}

func readName(mem Memory, addr uint32) string {
	buf := make([]byte, maxNameLen)
	if err := mem.ReadMemory(addr, buf); err != nil {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

func idBytes() []byte {
	id := make([]byte, idSize)
	copy(id, ID)
	return id
}
