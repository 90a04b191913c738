package cmsisdap

import "encoding/binary"

// memAP exposes target memory through MEM-AP word accesses.
type memAP struct {
	dap *dap
}

func (m memAP) ReadMemory(addr uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	start := addr &^ 3
	end := (addr + uint32(len(p)) + 3) &^ 3
	words, err := m.dap.readWords(start, int(end-start)/4)
	if err != nil {
		return err
	}
	raw := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[i*4:], w)
	}
	copy(p, raw[addr-start:])
	return nil
}

func (m memAP) WriteMemory(addr uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	start := addr &^ 3
	end := (addr + uint32(len(p)) + 3) &^ 3
	raw := make([]byte, end-start)

	// Partial words at either edge keep their neighbouring bytes.
	if addr != start || addr+uint32(len(p)) != end {
		if err := m.ReadMemory(start, raw); err != nil {
			return err
		}
	}
	copy(raw[addr-start:], p)

	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return m.dap.writeWords(start, words)
}
