package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNoSampleRate is returned by ExportWAV for artifacts without a rate.
var ErrNoSampleRate = errors.New("capture: sample rate required for WAV export")

// ExportWAV writes one channel as mono PCM. Supported sample widths are 1
// (unsigned 8-bit), 2 and 4 (signed little-endian). It returns the number
// of samples written.
func ExportWAV(r *Reader, w io.Writer, channel int) (int, error) {
	hdr := r.Header
	if hdr.SampleRate == 0 {
		return 0, ErrNoSampleRate
	}
	width := int(hdr.SampleWidth)
	if width != 1 && width != 2 && width != 4 {
		return 0, fmt.Errorf("capture: WAV needs sample width 1, 2 or 4, have %d", width)
	}

	var pcm []byte
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if int(f.Channel) == channel {
			pcm = append(pcm, f.Payload...)
		}
	}
	pcm = pcm[:len(pcm)/width*width]

	var b [44]byte
	copy(b[0:], "RIFF")
	binary.LittleEndian.PutUint32(b[4:], uint32(36+len(pcm)))
	copy(b[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(b[16:], 16)
	binary.LittleEndian.PutUint16(b[20:], 1) // PCM
	binary.LittleEndian.PutUint16(b[22:], 1) // mono
	binary.LittleEndian.PutUint32(b[24:], hdr.SampleRate)
	binary.LittleEndian.PutUint32(b[28:], hdr.SampleRate*uint32(width))
	binary.LittleEndian.PutUint16(b[32:], uint16(width))
	binary.LittleEndian.PutUint16(b[34:], uint16(width*8))
	copy(b[36:], "data")
	binary.LittleEndian.PutUint32(b[40:], uint32(len(pcm)))

	if _, err := w.Write(b[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(pcm); err != nil {
		return 0, err
	}
	return len(pcm) / width, nil
}
