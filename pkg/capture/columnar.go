package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ColumnarMagic starts every columnar export.
const ColumnarMagic = "RTTC"

// Compression selects the codec wrapped around a columnar export.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression maps a codec name to its tag.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("capture: unknown compression %q", name)
	}
}

var errBadColumnar = errors.New("capture: not a columnar export")

// Channel holds one channel's samples decoded per the sample width.
// Timestamps[i] is the timestamp of the frame that carried Samples[i].
type Channel struct {
	ID         int      `cbor:"1,keyasint"`
	Samples    []int64  `cbor:"2,keyasint"`
	Timestamps []uint32 `cbor:"3,keyasint"`
	Frames     int      `cbor:"4,keyasint"`

	// Trailing holds bytes left over when the payload total is not a
	// multiple of the sample width.
	Trailing []byte `cbor:"5,keyasint,omitempty"`
}

// Columnar is the per-channel decoded view of a capture.
type Columnar struct {
	SampleWidth uint8     `cbor:"1,keyasint"`
	SampleRate  uint32    `cbor:"2,keyasint"`
	TimestampHz uint32    `cbor:"3,keyasint"`
	StartMicros int64     `cbor:"4,keyasint"`
	Channels    []Channel `cbor:"5,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("capture: CBOR encoder initialization failed: " + err.Error())
	}
}

// BuildColumnar replays r and decodes each channel's concatenated payload
// as little-endian samples: width 1 unsigned, 2 and 4 signed, 8 signed.
// A width of 0 is treated as 1.
func BuildColumnar(r *Reader) (*Columnar, error) {
	width := int(r.Header.SampleWidth)
	switch width {
	case 0:
		width = 1
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("capture: unsupported sample width %d", width)
	}

	out := &Columnar{
		SampleWidth: uint8(width),
		SampleRate:  r.Header.SampleRate,
		TimestampHz: r.Header.TimestampHz,
	}
	if !r.Header.StartTime.IsZero() {
		out.StartMicros = r.Header.StartTime.UnixMicro()
	}

	byID := map[int]*Channel{}
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		ch := byID[int(f.Channel)]
		if ch == nil {
			ch = &Channel{ID: int(f.Channel)}
			byID[ch.ID] = ch
		}
		ch.Frames++

		data := append(ch.Trailing, f.Payload...)
		n := len(data) / width
		for i := 0; i < n; i++ {
			ch.Samples = append(ch.Samples, decodeSample(data[i*width:], width))
			ch.Timestamps = append(ch.Timestamps, f.Timestamp)
		}
		ch.Trailing = append([]byte(nil), data[n*width:]...)
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		out.Channels = append(out.Channels, *byID[id])
	}
	return out, nil
}

func decodeSample(b []byte, width int) int64 {
	switch width {
	case 1:
		return int64(b[0])
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return int64(binary.LittleEndian.Uint64(b))
	}
}

// ExportColumnar writes the columnar view of r as CBOR, wrapped in the
// chosen compression, behind a 5-byte preamble (magic + codec tag).
func ExportColumnar(r *Reader, w io.Writer, c Compression) (*Columnar, error) {
	col, err := BuildColumnar(r)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(append([]byte(ColumnarMagic), byte(c))); err != nil {
		return nil, err
	}

	var body io.WriteCloser
	switch c {
	case CompressionNone:
		body = nopCloser{w}
	case CompressionLZ4:
		body = lz4.NewWriter(w)
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		body = zw
	default:
		return nil, fmt.Errorf("capture: unsupported compression %d", c)
	}

	if err := encMode.NewEncoder(body).Encode(col); err != nil {
		body.Close()
		return nil, err
	}
	return col, body.Close()
}

// ReadColumnar decodes an ExportColumnar stream.
func ReadColumnar(src io.Reader) (*Columnar, error) {
	br := bufio.NewReader(src)
	pre := make([]byte, len(ColumnarMagic)+1)
	if _, err := io.ReadFull(br, pre); err != nil || string(pre[:4]) != ColumnarMagic {
		return nil, errBadColumnar
	}

	var body io.Reader
	switch Compression(pre[4]) {
	case CompressionNone:
		body = br
	case CompressionLZ4:
		body = lz4.NewReader(br)
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		body = zr
	default:
		return nil, fmt.Errorf("%w: codec %d", errBadColumnar, pre[4])
	}

	var col Columnar
	if err := cbor.NewDecoder(body).Decode(&col); err != nil {
		return nil, err
	}
	return &col, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
