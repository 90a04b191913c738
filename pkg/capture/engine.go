package capture

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/rttbridge/pkg/log"
)

// DefaultTimestampHz stamps frames in milliseconds since capture start.
const DefaultTimestampHz = 1000

// Capture subsystem status values reported to the status document.
const (
	StatusOff      = "off"
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// ErrNotStarted is returned by Append before Start.
var ErrNotStarted = errors.New("capture: not started")

// Stats is a point-in-time view of the engine for status reporting.
type Stats struct {
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
	Frames uint64 `json:"frames"`
	Bytes  uint64 `json:"bytes"`
	Digest string `json:"digest,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Engine frames channel reads handed to it by the session loop and writes
// them to an artifact. A write failure degrades the engine: the artifact
// is closed, later reads are dropped, and the caller keeps running.
type Engine struct {
	logger      log.Logger
	now         func() time.Time
	timestampHz uint32

	mu       sync.Mutex
	w        *Writer
	path     string
	channels map[int]bool
	started  time.Time
	last     map[uint8]uint32
	dirty    bool
	degraded error
	final    *Summary
	archive  bool
	wrapped  bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(l log.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithTimestampHz sets the timestamp unit. Zero stamps every frame 0.
//
// Timestamps are 32-bit tick counts since Start, so they wrap after
// 2^32/hz seconds: about 49.7 days at the default 1 kHz. Past that point
// each channel keeps its last timestamp and the engine logs a warning once.
// Captures expected to run longer should use a lower rate.
func WithTimestampHz(hz uint32) EngineOption {
	return func(e *Engine) { e.timestampHz = hz }
}

// WithArchive keeps the artifact of the previous run: Start renames an
// existing file at path to its ArchivePath instead of truncating it.
func WithArchive(on bool) EngineOption {
	return func(e *Engine) { e.archive = on }
}

// NewEngine returns an idle engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:      log.NewNoopLogger(),
		now:         time.Now,
		timestampHz: DefaultTimestampHz,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start creates the artifact at path and writes its header.
func (e *Engine) Start(path string, channels []int, sampleRate uint32, sampleWidth uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w != nil {
		return fmt.Errorf("capture: already writing %s", e.path)
	}

	start := e.now()
	hdr, err := NewHeader(channels, sampleRate, sampleWidth, e.timestampHz, start)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if e.archive {
		if err := archive(path); err != nil {
			return err
		}
	}
	w, err := Create(path, hdr)
	if err != nil {
		return err
	}

	e.w = w
	e.path = path
	e.started = start
	e.channels = make(map[int]bool, len(channels))
	for _, ch := range channels {
		e.channels[ch] = true
	}
	e.last = make(map[uint8]uint32)
	e.degraded = nil
	e.final = nil
	e.wrapped = false
	e.logger.Info("capture started",
		log.String("path", path),
		log.Any("channels", channels),
		log.Int64("sample_rate", int64(sampleRate)),
		log.Int("sample_width", int(sampleWidth)),
	)
	return nil
}

// Wants reports whether ch is one of the captured channels.
func (e *Engine) Wants(ch int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w != nil && e.channels[ch]
}

// Append frames data read from ch. It returns an error only on the read
// that degrades the engine; after that, data is dropped silently.
func (e *Engine) Append(ch int, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.degraded != nil {
		return nil
	}
	if e.w == nil {
		return ErrNotStarted
	}
	if !e.channels[ch] || len(data) == 0 {
		return nil
	}

	c := uint8(ch)
	ts := e.timestamp()
	// Wrapped or skewed clocks never move a channel backwards.
	if prev, ok := e.last[c]; ok && ts < prev {
		ts = prev
	}
	e.last[c] = ts

	if err := e.w.Append(ts, c, data); err != nil {
		return e.degrade(err)
	}
	e.dirty = true
	return nil
}

// Flush writes buffered frames if any arrived since the last flush.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil || e.degraded != nil || !e.dirty {
		return nil
	}
	e.dirty = false
	if err := e.w.Flush(); err != nil {
		return e.degrade(err)
	}
	return nil
}

// Stop finalizes the artifact. It is idempotent and returns the summary of
// the last capture.
func (e *Engine) Stop() (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		if e.final != nil {
			return *e.final, nil
		}
		return Summary{}, nil
	}
	s, err := e.w.Close()
	e.w = nil
	e.final = &s
	if err != nil && e.degraded == nil {
		e.degraded = err
	}
	e.logger.Info("capture stopped",
		log.String("path", s.Path),
		log.Uint64("frames", s.Frames),
		log.Uint64("bytes", s.Bytes),
		log.String("digest", s.Digest),
	)
	return s, err
}

// Stats reports the engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{Status: StatusOff, Path: e.path}
	switch {
	case e.w != nil:
		s := e.w.Summary()
		st.Status, st.Frames, st.Bytes = StatusOK, s.Frames, s.Bytes
	case e.final != nil:
		st.Frames, st.Bytes, st.Digest = e.final.Frames, e.final.Bytes, e.final.Digest
	}
	if e.degraded != nil {
		st.Status = StatusDegraded
		st.Error = e.degraded.Error()
	}
	return st
}

func (e *Engine) timestamp() uint32 {
	if e.timestampHz == 0 {
		return 0
	}
	elapsed := e.now().Sub(e.started)
	if elapsed < 0 {
		return 0
	}
	ticks := uint64(elapsed/time.Microsecond) * uint64(e.timestampHz) / 1e6
	if ticks > math.MaxUint32 && !e.wrapped {
		e.wrapped = true
		e.logger.Warn("capture timestamp counter wrapped, frame timestamps no longer advance",
			log.String("path", e.path),
			log.Int64("timestamp_hz", int64(e.timestampHz)),
			log.Duration("elapsed", elapsed),
		)
	}
	return uint32(ticks)
}

// degrade closes the artifact after a write failure. Caller holds e.mu.
func (e *Engine) degrade(err error) error {
	e.degraded = err
	s, _ := e.w.Close()
	e.w = nil
	e.final = &s
	e.logger.Error("capture degraded, dropping further frames",
		log.String("path", e.path),
		log.Err(err),
	)
	return fmt.Errorf("capture %s: %w", e.path, err)
}

// ArchivePath names the archived copy of an artifact last written at mod:
// capture.rttb becomes capture-20060102T150405Z.rttb.
func ArchivePath(path string, mod time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return base + "-" + mod.UTC().Format(archiveLayout) + ext
}

// Archives lists the archived copies of path, oldest first.
func Archives(path string) ([]string, error) {
	ext := filepath.Ext(path)
	matches, err := filepath.Glob(strings.TrimSuffix(path, ext) + "-*" + ext)
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(m, strings.TrimSuffix(path, ext)+"-"), ext)
		if _, err := time.Parse(archiveLayout, stamp); err == nil {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

const archiveLayout = "20060102T150405Z"

// archive moves a previous artifact out of the way. Header-only files
// carry no frames and are simply overwritten.
func archive(path string) error {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Size() <= HeaderSize {
		return nil
	}
	return os.Rename(path, ArchivePath(path, fi.ModTime()))
}
