package capture

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

const writeBufferSize = 64 << 10

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("capture: writer closed")

// Summary describes a finalized artifact.
type Summary struct {
	Path     string         `json:"path"`
	Frames   uint64         `json:"frames"`
	Bytes    uint64         `json:"bytes"`
	Payload  uint64         `json:"payload_bytes"`
	Channels map[int]uint64 `json:"channel_frames,omitempty"`

	// Digest is the BLAKE3-256 of the whole file, hex encoded.
	Digest string `json:"digest,omitempty"`
}

// Writer appends frames to an artifact file.
type Writer struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	hasher hash.Hash
	closed bool

	summary Summary
}

// Create truncates path and writes hdr.
func Create(path string, hdr Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		path:    path,
		file:    f,
		hasher:  blake3.New(),
		summary: Summary{Path: path, Channels: map[int]uint64{}},
	}
	w.buf = bufio.NewWriterSize(io.MultiWriter(f, w.hasher), writeBufferSize)

	b, _ := hdr.MarshalBinary()
	if _, err := w.buf.Write(b); err != nil {
		f.Close()
		return nil, err
	}
	w.summary.Bytes = HeaderSize
	return w, nil
}

// WriteFrame appends f. Payloads over MaxPayload are rejected; use
// Append to split them.
func (w *Writer) WriteFrame(f Frame) error {
	if w.closed {
		return ErrClosed
	}
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("capture: payload %d bytes exceeds %d", len(f.Payload), MaxPayload)
	}
	var hdr [FrameOverhead]byte
	putFrameHeader(hdr[:], f)
	if _, err := w.buf.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(f.Payload); err != nil {
		return err
	}
	w.summary.Frames++
	w.summary.Bytes += uint64(f.Size())
	w.summary.Payload += uint64(len(f.Payload))
	w.summary.Channels[int(f.Channel)]++
	return nil
}

// Append writes data as one or more frames sharing a timestamp.
func (w *Writer) Append(ts uint32, channel uint8, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), MaxPayload)
		if err := w.WriteFrame(Frame{Timestamp: ts, Channel: channel, Payload: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Flush pushes buffered frames to the file.
func (w *Writer) Flush() error {
	if w.closed {
		return nil
	}
	return w.buf.Flush()
}

// Summary returns the counters so far. Digest is set only after Close.
func (w *Writer) Summary() Summary {
	s := w.summary
	s.Channels = make(map[int]uint64, len(w.summary.Channels))
	for k, v := range w.summary.Channels {
		s.Channels[k] = v
	}
	return s
}

// Close flushes, syncs and closes the file. It is idempotent.
func (w *Writer) Close() (Summary, error) {
	if w.closed {
		return w.Summary(), nil
	}
	w.closed = true

	err := w.buf.Flush()
	if serr := w.file.Sync(); err == nil {
		err = serr
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		w.summary.Digest = hex.EncodeToString(w.hasher.Sum(nil))
	}
	return w.Summary(), err
}

// Digest computes the BLAKE3-256 of an artifact on disk.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
