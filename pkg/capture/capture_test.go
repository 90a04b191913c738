package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bft-labs/rttbridge/pkg/log"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type warnCounter struct {
	log.NoopLogger
	warns []string
}

func (w *warnCounter) Warn(msg string, fields ...log.Field) { w.warns = append(w.warns, msg) }

func writeArtifact(t *testing.T, hdr Header, frames []Frame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.rttb")
	w, err := Create(path, hdr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestHeaderRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 123000, time.UTC)
	hdr, err := NewHeader([]int{0, 1, 5}, 8000, 2, 1000, start)
	if err != nil {
		t.Fatalf("NewHeader: %v", err)
	}
	b, err := hdr.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != HeaderSize {
		t.Fatalf("header size = %d, want %d", len(b), HeaderSize)
	}
	if string(b[:4]) != Magic || b[4] != FormatVersion || b[5] != HeaderSize || b[6] != 3 || b[7] != 2 {
		t.Fatalf("unexpected header prefix % x", b[:8])
	}

	var got Header
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.SampleRate != 8000 || got.TimestampHz != 1000 || got.ChannelMask != 0x23 {
		t.Errorf("decoded header = %+v", got)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("start = %v, want %v", got.StartTime, start)
	}
	if chs := got.Channels(); len(chs) != 3 || chs[2] != 5 {
		t.Errorf("channels = %v", chs)
	}
}

func TestHeaderErrors(t *testing.T) {
	if _, err := NewHeader([]int{32}, 0, 1, 0, time.Time{}); !errors.Is(err, ErrBadChannel) {
		t.Errorf("channel 32: err = %v, want ErrBadChannel", err)
	}

	good, _ := Header{Version: FormatVersion}.MarshalBinary()
	tests := []struct {
		name string
		b    []byte
		want error
	}{
		{"short", good[:10], ErrShortHeader},
		{"magic", append([]byte("NOPE"), good[4:]...), ErrBadMagic},
		{"version", append(append([]byte{}, good[:4]...), append([]byte{FormatVersion + 1}, good[5:]...)...), ErrUnsupportedVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h Header
			if err := h.UnmarshalBinary(tt.b); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWriterFileSize(t *testing.T) {
	hdr, _ := NewHeader([]int{0}, 0, 1, 1000, time.Now())
	var frames []Frame
	for i := 0; i < 10; i++ {
		frames = append(frames, Frame{Timestamp: uint32(i), Payload: bytes.Repeat([]byte{byte(i)}, 16)})
	}
	path := writeArtifact(t, hdr, frames)

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(HeaderSize + 10*(FrameOverhead+16)); fi.Size() != want {
		t.Errorf("file size = %d, want %d", fi.Size(), want)
	}
}

func TestReaderRoundTrip(t *testing.T) {
	hdr, _ := NewHeader([]int{0, 1}, 0, 1, 1000, time.Now())
	frames := []Frame{
		{Timestamp: 0, Channel: 0, Payload: []byte("hello")},
		{Timestamp: 5, Channel: 1, Payload: []byte{1, 2, 3}},
		{Timestamp: 9, Channel: 0, Payload: []byte{}},
	}
	path := writeArtifact(t, hdr, frames)

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(frames) {
		t.Fatalf("frames = %d, want %d", len(got), len(frames))
	}
	for i := range frames {
		if got[i].Timestamp != frames[i].Timestamp || got[i].Channel != frames[i].Channel ||
			!bytes.Equal(got[i].Payload, frames[i].Payload) {
			t.Errorf("frame %d = %+v, want %+v", i, got[i], frames[i])
		}
	}
	if r.Truncated() {
		t.Error("complete artifact reported truncated")
	}
}

func TestReaderTruncatedTrailingFrame(t *testing.T) {
	hdr, _ := NewHeader([]int{0}, 0, 1, 1000, time.Now())
	path := writeArtifact(t, hdr, []Frame{
		{Timestamp: 1, Payload: []byte("complete")},
		{Timestamp: 2, Payload: []byte("cut short here")},
	})
	fi, _ := os.Stat(path)
	if err := os.Truncate(path, fi.Size()-4); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll on truncated artifact: %v", err)
	}
	if len(got) != 1 || string(got[0].Payload) != "complete" {
		t.Errorf("frames = %+v, want only the complete one", got)
	}
	if !r.Truncated() {
		t.Error("Truncated() = false")
	}
}

func TestReaderSkipsLargerHeader(t *testing.T) {
	hdr, _ := NewHeader([]int{0}, 0, 1, 0, time.Time{})
	b, _ := hdr.MarshalBinary()
	b[5] = HeaderSize + 8
	b = append(b, make([]byte, 8)...)
	var fh [FrameOverhead]byte
	putFrameHeader(fh[:], Frame{Timestamp: 7, Payload: []byte("x")})
	b = append(append(b, fh[:]...), 'x')

	r, err := NewReader(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	f, err := r.Next()
	if err != nil || f.Timestamp != 7 || string(f.Payload) != "x" {
		t.Fatalf("Next = %+v, %v", f, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestWriterSplitsLargePayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.rttb")
	hdr, _ := NewHeader([]int{2}, 0, 1, 0, time.Time{})
	w, err := Create(path, hdr)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(3, 2, make([]byte, MaxPayload+10)); err != nil {
		t.Fatal(err)
	}
	s, err := w.Close()
	if err != nil {
		t.Fatal(err)
	}
	if s.Frames != 2 || s.Payload != MaxPayload+10 || s.Channels[2] != 2 {
		t.Errorf("summary = %+v", s)
	}
	if err := w.WriteFrame(Frame{}); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
	digest, err := Digest(path)
	if err != nil {
		t.Fatal(err)
	}
	if digest != s.Digest {
		t.Errorf("Digest(path) = %s, summary digest %s", digest, s.Digest)
	}
}

func TestEngineTimestamps(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := NewEngine(WithClock(clk.now))
	path := filepath.Join(t.TempDir(), "sub", "cap.rttb")
	if err := e.Start(path, []int{0, 1}, 0, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.Wants(1) || e.Wants(2) {
		t.Error("Wants does not follow the channel list")
	}

	clk.advance(250 * time.Millisecond)
	if err := e.Append(0, []byte("a")); err != nil {
		t.Fatal(err)
	}
	clk.advance(-100 * time.Millisecond)
	if err := e.Append(0, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := e.Append(1, []byte("c")); err != nil {
		t.Fatal(err)
	}
	if err := e.Append(3, []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if err := e.Flush(); err != nil {
		t.Fatal(err)
	}
	s, err := e.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Frames != 3 {
		t.Fatalf("frames = %d, want 3", s.Frames)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	frames, _ := r.ReadAll()
	want := []uint32{250, 250, 150}
	for i, f := range frames {
		if f.Timestamp != want[i] {
			t.Errorf("frame %d ts = %d, want %d", i, f.Timestamp, want[i])
		}
	}
	if st := e.Stats(); st.Status != StatusOff || st.Digest != s.Digest {
		t.Errorf("stats after stop = %+v", st)
	}
}

func TestEngineTimestampWrap(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	logs := &warnCounter{}
	e := NewEngine(WithClock(clk.now), WithLogger(logs))
	path := filepath.Join(t.TempDir(), "cap.rttb")
	if err := e.Start(path, []int{0}, 0, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clk.advance(time.Second)
	if err := e.Append(0, []byte("a")); err != nil {
		t.Fatal(err)
	}
	// 50 days at 1 kHz is past 2^32 ticks.
	for _, d := range []time.Duration{50 * 24 * time.Hour, time.Hour} {
		clk.advance(d)
		if err := e.Append(0, []byte("b")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(logs.warns) != 1 {
		t.Errorf("warnings = %q, want exactly one", logs.warns)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	frames, _ := r.ReadAll()
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Timestamp != 1000 {
			t.Errorf("frame %d ts = %d, want 1000 held after the wrap", i, f.Timestamp)
		}
	}
}

func TestEngineDegradesOnWriteFailure(t *testing.T) {
	e := NewEngine()
	if err := e.Append(0, []byte("x")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("append before start: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cap.rttb")
	if err := e.Start(path, []int{0}, 0, 1); err != nil {
		t.Fatal(err)
	}
	// Pull the file out from under the buffered writer.
	e.w.file.Close()

	if err := e.Append(0, make([]byte, writeBufferSize+1)); err == nil {
		t.Fatal("expected the degrading append to fail")
	}
	if st := e.Stats(); st.Status != StatusDegraded || st.Error == "" {
		t.Errorf("stats = %+v, want degraded", st)
	}
	if err := e.Append(0, []byte("dropped")); err != nil {
		t.Errorf("append after degrade = %v, want silent drop", err)
	}
	if e.Wants(0) {
		t.Error("degraded engine still wants channel 0")
	}
	if _, err := e.Stop(); err != nil {
		t.Errorf("Stop after degrade: %v", err)
	}
	if _, err := e.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestEngineArchivesPreviousRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.rttb")

	run := func() {
		t.Helper()
		e := NewEngine(WithArchive(true))
		if err := e.Start(path, []int{1}, 0, 1); err != nil {
			t.Fatal(err)
		}
		if err := e.Append(1, []byte("payload")); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Stop(); err != nil {
			t.Fatal(err)
		}
	}

	run()
	mod := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
	run()

	archived := filepath.Join(dir, "capture-20260301T120000Z.rttb")
	if ArchivePath(path, mod) != archived {
		t.Fatalf("ArchivePath = %s", ArchivePath(path, mod))
	}
	got, err := Archives(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != archived {
		t.Errorf("Archives = %v, want [%s]", got, archived)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() != HeaderSize+FrameOverhead+7 {
		t.Errorf("live artifact = %v, %v", fi, err)
	}

	// Unrelated names next to the artifact are not archives.
	os.WriteFile(filepath.Join(dir, "capture-notes.rttb"), nil, 0o644)
	if got, _ := Archives(path); len(got) != 1 {
		t.Errorf("Archives picked up %v", got)
	}
}

func TestExportCSV(t *testing.T) {
	hdr, _ := NewHeader([]int{0, 1}, 0, 1, 1000, time.Now())
	path := writeArtifact(t, hdr, []Frame{
		{Timestamp: 1500, Channel: 0, Payload: []byte{0xde, 0xad}},
		{Timestamp: 2000, Channel: 1, Payload: []byte("hi")},
	})
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var buf bytes.Buffer
	n, err := ExportCSV(r, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	want := "timestamp,channel,payload_hex,payload_length\n" +
		"1.500000,0,dead,2\n" +
		"2.000000,1,6869,2\n"
	if buf.String() != want {
		t.Errorf("csv =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestExportCSVRawTicks(t *testing.T) {
	hdr, _ := NewHeader([]int{0}, 0, 1, 0, time.Time{})
	path := writeArtifact(t, hdr, []Frame{{Timestamp: 42, Payload: []byte{1}}})
	r, _ := Open(path)
	defer r.Close()

	var buf bytes.Buffer
	if _, err := ExportCSV(r, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "\n42,0,01,1\n") {
		t.Errorf("csv = %q", buf.String())
	}
}

func TestColumnarRoundTrip(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768}
	payload := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(payload[2*i:], uint16(s))
	}
	hdr, _ := NewHeader([]int{0, 1}, 8000, 2, 1000, time.Now())
	frames := []Frame{
		{Timestamp: 1, Channel: 1, Payload: payload[:3]},
		{Timestamp: 2, Channel: 1, Payload: payload[3:]},
		{Timestamp: 2, Channel: 0, Payload: []byte{1, 0, 2}},
	}

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			r, err := Open(writeArtifact(t, hdr, frames))
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			var buf bytes.Buffer
			if _, err := ExportColumnar(r, &buf, c); err != nil {
				t.Fatalf("ExportColumnar: %v", err)
			}
			col, err := ReadColumnar(&buf)
			if err != nil {
				t.Fatalf("ReadColumnar: %v", err)
			}
			if col.SampleRate != 8000 || col.SampleWidth != 2 || len(col.Channels) != 2 {
				t.Fatalf("columnar = %+v", col)
			}

			ch0, ch1 := col.Channels[0], col.Channels[1]
			if ch0.ID != 0 || len(ch0.Samples) != 1 || ch0.Samples[0] != 1 || !bytes.Equal(ch0.Trailing, []byte{2}) {
				t.Errorf("channel 0 = %+v", ch0)
			}
			if ch1.ID != 1 || ch1.Frames != 2 || len(ch1.Samples) != len(samples) {
				t.Fatalf("channel 1 = %+v", ch1)
			}
			for i, s := range samples {
				if ch1.Samples[i] != int64(s) {
					t.Errorf("sample %d = %d, want %d", i, ch1.Samples[i], s)
				}
			}
			if ch1.Timestamps[0] != 1 || ch1.Timestamps[1] != 2 {
				t.Errorf("timestamps = %v", ch1.Timestamps)
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		c, err := ParseCompression(name)
		if err != nil || c.String() != name {
			t.Errorf("ParseCompression(%q) = %v, %v", name, c, err)
		}
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Error("gzip accepted")
	}
	if _, err := ReadColumnar(strings.NewReader("RTTB\x00")); err == nil {
		t.Error("bad magic accepted")
	}
}

func TestExportWAV(t *testing.T) {
	hdr, _ := NewHeader([]int{0, 1}, 16000, 2, 1000, time.Now())
	path := writeArtifact(t, hdr, []Frame{
		{Channel: 1, Payload: []byte{1, 0, 2, 0}},
		{Channel: 0, Payload: []byte{9, 9}},
		{Channel: 1, Payload: []byte{3, 0, 4}},
	})
	r, _ := Open(path)
	defer r.Close()

	var buf bytes.Buffer
	n, err := ExportWAV(r, &buf, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("samples = %d, want 3", n)
	}
	b := buf.Bytes()
	if len(b) != 44+6 || string(b[:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		t.Fatalf("wav header % x", b[:12])
	}
	if rate := binary.LittleEndian.Uint32(b[24:]); rate != 16000 {
		t.Errorf("rate = %d", rate)
	}
	if !bytes.Equal(b[44:], []byte{1, 0, 2, 0, 3, 0}) {
		t.Errorf("pcm = % x", b[44:])
	}
}

func TestExportWAVNeedsRate(t *testing.T) {
	hdr, _ := NewHeader([]int{0}, 0, 2, 1000, time.Now())
	r, _ := Open(writeArtifact(t, hdr, nil))
	defer r.Close()
	if _, err := ExportWAV(r, io.Discard, 0); !errors.Is(err, ErrNoSampleRate) {
		t.Errorf("err = %v, want ErrNoSampleRate", err)
	}
}
