package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// Reader replays the frames of an artifact in order.
type Reader struct {
	Header Header

	r         *bufio.Reader
	closer    io.Closer
	truncated bool
}

// Open opens an artifact file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads the header from src.
func NewReader(src io.Reader) (*Reader, error) {
	r := &Reader{r: bufio.NewReader(src)}
	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	if err := r.Header.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	if extra := int(r.Header.size) - HeaderSize; extra > 0 {
		if _, err := r.r.Discard(extra); err != nil {
			return nil, ErrShortHeader
		}
	}
	return r, nil
}

// Next returns the next frame, or io.EOF at the end of the stream. A
// trailing frame cut short by a crash or a still-running capture also
// ends the stream with io.EOF; Truncated reports it.
func (r *Reader) Next() (Frame, error) {
	var hdr [FrameOverhead]byte
	n, err := io.ReadFull(r.r, hdr[:])
	if err != nil {
		if n > 0 {
			r.truncated = true
		}
		return Frame{}, eof(err)
	}

	f := Frame{
		Timestamp: binary.LittleEndian.Uint32(hdr[0:]),
		Channel:   hdr[4],
		Payload:   make([]byte, binary.LittleEndian.Uint16(hdr[5:])),
	}
	if _, err := io.ReadFull(r.r, f.Payload); err != nil {
		r.truncated = true
		return Frame{}, eof(err)
	}
	return f, nil
}

// Truncated reports whether the stream ended inside a frame.
func (r *Reader) Truncated() bool { return r.truncated }

// Close releases the underlying file, if Open created it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ReadAll returns every complete frame.
func (r *Reader) ReadAll() ([]Frame, error) {
	var frames []Frame
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func eof(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
