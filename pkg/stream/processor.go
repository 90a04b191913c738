package stream

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/bft-labs/rttbridge/pkg/log"
)

var errClosed = errors.New("stream: processor closed")

// Flush defaults. Sinks flush when either bound is reached.
const (
	DefaultFlushLines    = 64
	DefaultFlushInterval = 250 * time.Millisecond
)

// Config selects the sinks and their flush policy. An empty path disables
// that sink.
type Config struct {
	LogPath   string
	JSONLPath string
	CSVPath   string

	MaxLineBytes  int
	FlushLines    int
	FlushInterval time.Duration
	MaxLogBytes   int64

	// StatePattern marks extra lines as state events. The first submatch,
	// or the whole match, becomes the state name.
	StatePattern *regexp.Regexp
}

// DefaultConfig writes the three standard sinks under dir.
func DefaultConfig(dir string) Config {
	l, j, c := Paths(dir)
	return Config{
		LogPath:       l,
		JSONLPath:     j,
		CSVPath:       c,
		MaxLineBytes:  DefaultMaxLineBytes,
		FlushLines:    DefaultFlushLines,
		FlushInterval: DefaultFlushInterval,
		MaxLogBytes:   DefaultMaxLogBytes,
	}
}

// Stats counts what the processor has seen.
type Stats struct {
	Bytes    uint64 `json:"bytes"`
	Lines    uint64 `json:"lines"`
	Plain    uint64 `json:"plain"`
	Data     uint64 `json:"data"`
	States   uint64 `json:"states"`
	Dropped  uint64 `json:"dropped"`
	Resets   uint64 `json:"resets"`
	Rows     uint64 `json:"csv_rows"`
	LateKeys uint64 `json:"late_keys"`
	Format   string `json:"format"`
}

// Processor is not safe for concurrent Feed calls; the session loop is its
// only writer. Stats may be read from any goroutine.
type Processor struct {
	cfg    Config
	logger log.Logger
	now    func() time.Time

	lines *LineBuffer
	cls   classifier

	log   *logSink
	jsonl *jsonlSink
	csv   *csvSink

	unflushed int
	lastFlush time.Time
	lateSeen  map[string]bool
	closed    bool

	mu    sync.Mutex
	stats Stats
	seq   uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithClock replaces time.Now for record times and flush intervals.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor opens the configured sinks.
func NewProcessor(cfg Config, opts ...Option) (*Processor, error) {
	if cfg.FlushLines <= 0 {
		cfg.FlushLines = DefaultFlushLines
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	p := &Processor{
		cfg:      cfg,
		logger:   log.NewNoopLogger(),
		now:      time.Now,
		lines:    NewLineBuffer(cfg.MaxLineBytes),
		cls:      classifier{statePattern: cfg.StatePattern},
		lateSeen: map[string]bool{},
	}
	for _, o := range opts {
		o(p)
	}
	p.lastFlush = p.now()

	if err := p.open(); err != nil {
		p.closeSinks()
		return nil, err
	}
	return p, nil
}

func (p *Processor) open() error {
	if p.cfg.LogPath != "" {
		fs, err := openSink(p.cfg.LogPath)
		if err != nil {
			return err
		}
		p.log = &logSink{fileSink: fs, maxBytes: p.cfg.MaxLogBytes}
	}
	if p.cfg.JSONLPath != "" {
		fs, err := openSink(p.cfg.JSONLPath)
		if err != nil {
			return err
		}
		p.jsonl = newJSONLSink(fs)
	}
	if p.cfg.CSVPath != "" {
		s, err := openCSVSink(p.cfg.CSVPath)
		if err != nil {
			return err
		}
		p.csv = s
	}
	return nil
}

// Feed processes one read worth of bytes and returns the records it
// completed.
func (p *Processor) Feed(data []byte) ([]Record, error) {
	if p.closed {
		return nil, errClosed
	}
	p.mu.Lock()
	p.stats.Bytes += uint64(len(data))
	p.mu.Unlock()

	var (
		out  []Record
		errs []error
	)
	for _, raw := range p.lines.Write(data) {
		rec, ok, err := p.line(raw)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			out = append(out, rec)
		}
	}
	if p.unflushed >= p.cfg.FlushLines {
		if err := p.flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Tick flushes the sinks when the flush interval has elapsed and lines are
// waiting. The session loop calls it once per poll.
func (p *Processor) Tick() error {
	if p.closed || p.unflushed == 0 {
		return nil
	}
	if p.now().Sub(p.lastFlush) < p.cfg.FlushInterval {
		return nil
	}
	return p.flush()
}

// Flush forces buffered sink output to disk. A partial line stays
// buffered.
func (p *Processor) Flush() error {
	if p.closed {
		return nil
	}
	return p.flush()
}

// Close emits any partial line, flushes and closes every sink. It is
// idempotent.
func (p *Processor) Close() error {
	if p.closed {
		return nil
	}
	var errs []error
	if raw, ok := p.lines.Flush(); ok {
		if _, _, err := p.line(raw); err != nil {
			errs = append(errs, err)
		}
	}
	p.closed = true
	errs = append(errs, p.closeSinks())
	return errors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Format = p.cls.format.String()
	return s
}

// line cleans, classifies and writes one raw line. Lines that are empty
// after cleaning and probe banners are dropped from every sink.
func (p *Processor) line(raw string) (Record, bool, error) {
	cleaned := Clean(raw)
	if cleaned == "" || bannerRE.MatchString(cleaned) {
		p.mu.Lock()
		p.stats.Dropped++
		p.mu.Unlock()
		return Record{}, false, nil
	}

	p.mu.Lock()
	p.seq++
	rec := Record{Seq: p.seq, Time: p.now().UTC()}
	if isBoot(cleaned) {
		rec.Reset = true
		p.stats.Resets++
		p.cls.reset()
	}
	p.cls.observe(cleaned)
	p.cls.classify(cleaned, &rec)

	p.stats.Lines++
	switch rec.Kind {
	case KindData:
		p.stats.Data++
	case KindState:
		p.stats.States++
	default:
		p.stats.Plain++
	}
	p.mu.Unlock()

	if rec.Reset {
		p.logger.Info("target reset detected", log.String("line", cleaned))
	}

	var errs []error
	if p.log != nil {
		errs = append(errs, p.log.writeLine(cleaned))
	}
	if p.jsonl != nil {
		errs = append(errs, p.jsonl.writeRecord(&rec))
	}
	if p.csv != nil && rec.Kind == KindData {
		late, err := p.csv.writeRecord(&rec)
		errs = append(errs, err)
		p.noteLate(late)
		p.mu.Lock()
		p.stats.Rows = p.csv.rows
		p.mu.Unlock()
	}
	p.unflushed++
	return rec, true, errors.Join(errs...)
}

func (p *Processor) noteLate(keys []string) {
	if len(keys) == 0 {
		return
	}
	p.mu.Lock()
	p.stats.LateKeys += uint64(len(keys))
	p.mu.Unlock()
	for _, k := range keys {
		if p.lateSeen[k] {
			continue
		}
		p.lateSeen[k] = true
		p.logger.Warn("data key has no csv column, kept in jsonl only",
			log.String("key", k),
			log.String("path", p.cfg.CSVPath),
		)
	}
}

func (p *Processor) flush() error {
	var errs []error
	if p.log != nil {
		errs = append(errs, p.log.flush())
	}
	if p.jsonl != nil {
		errs = append(errs, p.jsonl.flush())
	}
	if p.csv != nil {
		errs = append(errs, p.csv.flush())
	}
	p.unflushed = 0
	p.lastFlush = p.now()
	return errors.Join(errs...)
}

func (p *Processor) closeSinks() error {
	var errs []error
	if p.log != nil {
		errs = append(errs, p.log.close())
	}
	if p.jsonl != nil {
		errs = append(errs, p.jsonl.close())
	}
	if p.csv != nil {
		errs = append(errs, p.csv.close())
	}
	return errors.Join(errs...)
}
