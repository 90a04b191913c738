package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Artifact layout constants. All integers are little-endian.
const (
	Magic         = "RTTB"
	FormatVersion = 1
	HeaderSize    = 64

	// FrameOverhead is timestamp(4) + channel(1) + length(2).
	FrameOverhead = 7

	// MaxPayload is the largest payload one frame can carry.
	MaxPayload = 0xFFFF

	// MaxChannels is the width of the channel bitmask.
	MaxChannels = 32
)

var (
	// ErrBadMagic means the file is not a capture artifact.
	ErrBadMagic = errors.New("capture: bad magic")

	// ErrUnsupportedVersion means the artifact is newer than this reader.
	ErrUnsupportedVersion = errors.New("capture: unsupported format version")

	// ErrShortHeader means the file ends inside the header.
	ErrShortHeader = errors.New("capture: truncated header")

	// ErrBadChannel is returned for channels outside the bitmask range.
	ErrBadChannel = errors.New("capture: channel out of range")
)

// Header is the fixed artifact preamble. SampleRate and TimestampHz are
// metadata only; nothing checks frame spacing against them.
type Header struct {
	Version     uint8
	SampleWidth uint8
	SampleRate  uint32
	TimestampHz uint32
	StartTime   time.Time
	ChannelMask uint32

	// size is the on-disk header length; readers skip to it.
	size uint8
}

// NewHeader builds a version-1 header for the given channels.
func NewHeader(channels []int, sampleRate uint32, sampleWidth uint8, timestampHz uint32, start time.Time) (Header, error) {
	var mask uint32
	for _, ch := range channels {
		if ch < 0 || ch >= MaxChannels {
			return Header{}, fmt.Errorf("%w: %d", ErrBadChannel, ch)
		}
		mask |= 1 << uint(ch)
	}
	return Header{
		Version:     FormatVersion,
		SampleWidth: sampleWidth,
		SampleRate:  sampleRate,
		TimestampHz: timestampHz,
		StartTime:   start,
		ChannelMask: mask,
	}, nil
}

// Channels returns the channel ids set in the bitmask, ascending.
func (h Header) Channels() []int {
	var chs []int
	for ch := 0; ch < MaxChannels; ch++ {
		if h.ChannelMask&(1<<uint(ch)) != 0 {
			chs = append(chs, ch)
		}
	}
	return chs
}

// Seconds converts a frame timestamp to seconds since capture start. It
// returns false when the artifact carries no timestamp unit.
func (h Header) Seconds(ts uint32) (float64, bool) {
	if h.TimestampHz == 0 {
		return 0, false
	}
	return float64(ts) / float64(h.TimestampHz), true
}

// MarshalBinary encodes the 64-byte header.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	copy(b[0:4], Magic)
	b[4] = h.Version
	b[5] = HeaderSize
	b[6] = uint8(len(h.Channels()))
	b[7] = h.SampleWidth
	binary.LittleEndian.PutUint32(b[8:], h.SampleRate)
	binary.LittleEndian.PutUint32(b[12:], h.TimestampHz)
	var us uint64
	if !h.StartTime.IsZero() {
		us = uint64(h.StartTime.UnixMicro())
	}
	binary.LittleEndian.PutUint64(b[16:], us)
	binary.LittleEndian.PutUint32(b[24:], h.ChannelMask)
	// b[28:64] reserved, zero
	return b, nil
}

// UnmarshalBinary decodes the fixed part of a header.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return ErrShortHeader
	}
	if string(b[0:4]) != Magic {
		return fmt.Errorf("%w: %q", ErrBadMagic, b[0:4])
	}
	if b[4] > FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[4])
	}
	h.Version = b[4]
	h.size = b[5]
	h.SampleWidth = b[7]
	h.SampleRate = binary.LittleEndian.Uint32(b[8:])
	h.TimestampHz = binary.LittleEndian.Uint32(b[12:])
	if us := binary.LittleEndian.Uint64(b[16:]); us != 0 {
		h.StartTime = time.UnixMicro(int64(us)).UTC()
	} else {
		h.StartTime = time.Time{}
	}
	h.ChannelMask = binary.LittleEndian.Uint32(b[24:])
	return nil
}

// Frame is one chunk of channel data as it arrived from the probe.
type Frame struct {
	Timestamp uint32
	Channel   uint8
	Payload   []byte
}

// Size is the on-disk length of the frame.
func (f Frame) Size() int {
	return FrameOverhead + len(f.Payload)
}

func putFrameHeader(b []byte, f Frame) {
	binary.LittleEndian.PutUint32(b[0:], f.Timestamp)
	b[4] = f.Channel
	binary.LittleEndian.PutUint16(b[5:], uint16(len(f.Payload)))
}
