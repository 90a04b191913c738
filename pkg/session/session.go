package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/rttbridge/pkg/capture"
	"github.com/bft-labs/rttbridge/pkg/lifecycle"
	"github.com/bft-labs/rttbridge/pkg/lock"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/status"
	"github.com/bft-labs/rttbridge/pkg/stream"
	"github.com/bft-labs/rttbridge/pkg/transport"
)

var (
	// ErrUnresponsive is the reason of the ConnectionError raised after
	// MaxConsecutiveFailures transient failures in a row.
	ErrUnresponsive = errors.New("session: probe unresponsive")

	// ErrNotStreaming is returned by Send outside Streaming and Degraded.
	ErrNotStreaming = errors.New("session: not streaming")
)

// maxReadsPerPoll bounds how long one channel can hold the loop.
const maxReadsPerPoll = 16

// Factory builds the transport for a device.
type Factory func(transport.Device) (transport.Transport, error)

// Session binds one device to one transport for the life of a run.
type Session struct {
	cfg       Config
	logger    log.Logger
	now       func() time.Time
	emitter   lifecycle.EventEmitter
	repo      status.Repository
	lifecycle *lifecycle.DefaultManager
	transport transport.Transport
	writes    chan writeRequest

	// Owned by the run.
	lk *lock.Lock

	mu          sync.Mutex
	capture     *capture.Engine
	proc        *stream.Processor
	id          string
	done        chan struct{}
	startedAt   time.Time
	streamSince time.Time
	lastData    time.Time
	lastStatus  time.Time
	counters    status.Counters
	failure     *status.ErrorInfo
	captureErr  error
	streamFail  error
	writeStreak int
	runErr      error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithEventEmitter receives every state transition.
func WithEventEmitter(e lifecycle.EventEmitter) Option {
	return func(s *Session) { s.emitter = e }
}

// WithStatusRepository replaces the status file in the device directory.
func WithStatusRepository(r status.Repository) Option {
	return func(s *Session) { s.repo = r }
}

// New validates cfg and resolves the transport once through factory.
func New(cfg Config, factory Factory, opts ...Option) (*Session, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		logger: log.NewNoopLogger(),
		now:    time.Now,
		writes: make(chan writeRequest),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(log.String("device", cfg.Device.ID))
	if s.repo == nil {
		s.repo = status.NewFileRepository(DeviceDir(cfg.RunDir, cfg.Device.ID))
	}

	t, err := factory(cfg.Device)
	if err != nil {
		return nil, err
	}
	s.transport = t
	s.lifecycle = lifecycle.NewManager(s.logger, publisher{s})
	return s, nil
}

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current state.
func (s *Session) State() lifecycle.State { return s.lifecycle.State() }

// Done is closed when the current run has finished shutting down.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the result of the last run.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Run takes the device lock and runs the session until ctx is done or a
// fatal error occurs. A held lock returns a *lock.HeldError before
// anything, including the status document, is touched.
func (s *Session) Run(ctx context.Context) error {
	if !s.lifecycle.CanStart() {
		return lifecycle.ErrAlreadyRunning
	}
	if err := s.acquire(); err != nil {
		return err
	}
	err := s.run(ctx)
	s.finish(err)
	return err
}

// Start runs the session in the background. Lock errors are returned
// synchronously.
func (s *Session) Start(ctx context.Context) error {
	if !s.lifecycle.CanStart() {
		return lifecycle.ErrAlreadyRunning
	}
	if err := s.acquire(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.lifecycle.SetCancel(cancel)
	s.lifecycle.AddWorker()
	go func() {
		defer s.lifecycle.WorkerDone()
		defer cancel()
		s.finish(s.run(runCtx))
	}()
	return nil
}

// Stop cancels a run started with Start and waits for its shutdown.
func (s *Session) Stop() error {
	s.lifecycle.Cancel()
	if err := s.lifecycle.WaitWithTimeout(lifecycle.ShutdownTimeout); err != nil {
		return err
	}
	return s.Err()
}

func (s *Session) acquire() error {
	path := lock.Path(s.cfg.RunDir, s.cfg.Device.ID)
	lk, err := lock.Acquire(path)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			s.logger.Warn("device is owned by another daemon",
				log.String("lock", path),
				log.Int("pid", held.PID),
			)
		}
		return err
	}

	s.lk = lk
	s.mu.Lock()
	s.capture, s.proc = nil, nil
	s.id = uuid.NewString()
	s.done = make(chan struct{})
	s.counters = status.Counters{}
	s.failure, s.captureErr, s.streamFail, s.runErr = nil, nil, nil, nil
	s.writeStreak = 0
	s.lastData, s.streamSince = time.Time{}, time.Time{}
	s.startedAt = s.now()
	s.mu.Unlock()
	return nil
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runErr = err
	close(s.done)
}

func (s *Session) run(ctx context.Context) error {
	dev := s.cfg.Device
	s.logger.Info("session starting",
		log.String("backend", dev.Backend),
		log.String("session", s.ID()),
		log.Int("pid", os.Getpid()),
	)
	s.transition(lifecycle.StateStarting, "run")
	s.transition(lifecycle.StateConnecting, "connecting via "+dev.Backend)

	if err := s.transport.Connect(ctx, dev); err != nil {
		if ctx.Err() != nil {
			return s.stop("cancelled while connecting")
		}
		return s.fail(err)
	}
	s.transition(lifecycle.StateConnected, "probe attached")

	s.openSinks()

	up, err := s.transport.StartStream(ctx, s.cfg.Channels)
	if err != nil {
		if ctx.Err() != nil {
			return s.stop("cancelled while starting the stream")
		}
		return s.fail(err)
	}
	s.logger.Info("rtt stream started",
		log.Int("up_channels", up),
		log.Any("channels", s.cfg.Channels),
	)
	s.mu.Lock()
	s.streamSince = s.now()
	s.mu.Unlock()
	s.transition(lifecycle.StateStreaming, "control block found")

	return s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	buf := make([]byte, s.cfg.ReadSize)

	for {
		select {
		case <-ctx.Done():
			return s.stop("stop requested")
		case req := <-s.writes:
			n, err := s.write(req)
			req.result <- writeResult{n: n, err: err}
			if fatal(err) {
				return s.fail(err)
			}
			if esc := s.noteWrite(err); esc != nil {
				return s.fail(esc)
			}
			continue
		case <-ticker.C:
		}

		if err := s.poll(buf); err != nil {
			return s.fail(err)
		}
		s.housekeep()
	}
}

// poll reads every channel once (more while a channel keeps filling the
// buffer). It returns only fatal errors.
func (s *Session) poll(buf []byte) error {
	var failed error
	for _, ch := range s.cfg.Channels {
		for i := 0; i < maxReadsPerPoll; i++ {
			n, err := s.transport.Read(ch, buf)
			if err != nil {
				if !transport.IsTransient(err) {
					return err
				}
				failed = err
				break
			}
			if n == 0 {
				break
			}
			s.dispatch(ch, buf[:n])
			if n < len(buf) {
				break
			}
		}
	}
	if failed != nil {
		return s.noteFailure(failed)
	}
	s.noteSuccess()
	return nil
}

func (s *Session) dispatch(ch int, data []byte) {
	s.mu.Lock()
	s.counters.Bytes += uint64(len(data))
	s.lastData = s.now()
	s.mu.Unlock()

	if s.capture != nil && s.capture.Wants(ch) {
		// The engine marks itself degraded and logs; the session carries on.
		_ = s.capture.Append(ch, data)
	}
	if s.proc != nil && ch == s.cfg.StreamChannel {
		if _, err := s.proc.Feed(data); err != nil {
			s.degradeStream("stream sink write failed", err)
		}
	}
}

// degradeStream records the first text sink failure. The transport and
// the capture keep running; the status document reports stream.status
// degraded from here on.
func (s *Session) degradeStream(msg string, err error) {
	s.mu.Lock()
	first := s.streamFail == nil
	if first {
		s.streamFail = err
	}
	s.mu.Unlock()
	if first {
		s.logger.Error(msg, log.Err(err))
	}
}

// noteFailure counts a transient read failure and escalates once
// MaxConsecutiveFailures polls in a row have failed. Any successful poll
// resets the count.
func (s *Session) noteFailure(err error) error {
	s.mu.Lock()
	s.counters.ReadErrors++
	s.counters.ConsecutiveFailures++
	n := s.counters.ConsecutiveFailures
	s.mu.Unlock()

	if n >= s.cfg.MaxConsecutiveFailures {
		return transport.NewConnectionError(s.cfg.Device.ID, ErrUnresponsive,
			fmt.Errorf("%d consecutive failures, last: %v", n, err))
	}
	s.logger.Warn("transient probe failure",
		log.Err(err),
		log.Int("consecutive", n),
	)
	if s.lifecycle.State() == lifecycle.StateStreaming {
		s.transition(lifecycle.StateDegraded, oneLine(err))
	}
	return nil
}

// noteWrite tracks down-channel writes. Transient failures are counted
// and escalate like reads once MaxConsecutiveFailures writes in a row have
// failed; only a successful write resets that streak.
func (s *Session) noteWrite(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.writeStreak = 0
		return nil
	}
	if !transient(err) {
		return nil
	}
	s.counters.WriteErrors++
	s.writeStreak++
	if s.writeStreak >= s.cfg.MaxConsecutiveFailures {
		return transport.NewConnectionError(s.cfg.Device.ID, ErrUnresponsive,
			fmt.Errorf("%d consecutive write failures, last: %v", s.writeStreak, err))
	}
	return nil
}

func (s *Session) noteSuccess() {
	s.mu.Lock()
	had := s.counters.ConsecutiveFailures
	s.counters.ConsecutiveFailures = 0
	s.mu.Unlock()

	if s.lifecycle.State() == lifecycle.StateDegraded {
		s.transition(lifecycle.StateStreaming, fmt.Sprintf("recovered after %d failures", had))
	}
}

func (s *Session) housekeep() {
	if s.capture != nil {
		_ = s.capture.Flush()
	}
	if s.proc != nil {
		if err := s.proc.Tick(); err != nil {
			s.degradeStream("stream sink flush failed", err)
		}
	}

	s.mu.Lock()
	due := s.now().Sub(s.lastStatus) >= s.cfg.HeartbeatInterval
	s.mu.Unlock()
	if due {
		s.publish(s.lifecycle.State())
	}
}

// openSinks starts the text processor and the capture engine. Neither can
// fail the session: a sink that cannot be opened is reported degraded.
func (s *Session) openSinks() {
	if s.cfg.Stream {
		sc := s.cfg.StreamConfig
		if s.cfg.StatePattern != "" {
			sc.StatePattern = regexp.MustCompile(s.cfg.StatePattern)
		}
		p, err := stream.NewProcessor(sc,
			stream.WithLogger(s.logger.With(log.String("component", "stream"))),
			stream.WithClock(s.now),
		)
		s.mu.Lock()
		if err != nil {
			s.streamFail = fmt.Errorf("open stream sinks: %w", err)
		} else {
			s.proc = p
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("text sinks unavailable, streaming without them", log.Err(err))
		}
	}

	if len(s.cfg.CaptureChannels) > 0 {
		e := capture.NewEngine(
			capture.WithLogger(s.logger.With(log.String("component", "capture"))),
			capture.WithClock(s.now),
			capture.WithTimestampHz(s.cfg.TimestampHz),
			capture.WithArchive(s.cfg.ArchiveCaptures),
		)
		err := e.Start(s.cfg.CapturePath, s.cfg.CaptureChannels, s.cfg.SampleRate, s.cfg.SampleWidth)
		if err != nil {
			s.logger.Error("capture unavailable, streaming without it",
				log.String("path", s.cfg.CapturePath),
				log.Err(err),
			)
			s.mu.Lock()
			s.captureErr = err
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			s.capture = e
			s.mu.Unlock()
		}
	}
}

// stop is the requested shutdown: Stopping, the fixed sequence, Stopped.
func (s *Session) stop(reason string) error {
	s.transition(lifecycle.StateStopping, reason)
	err := s.shutdown()
	s.transition(lifecycle.StateStopped, "shutdown complete")
	if err != nil {
		s.logger.Warn("shutdown finished with errors", log.Err(err))
	}
	return err
}

// fail records cause as the error marker, then runs the same shutdown.
func (s *Session) fail(cause error) error {
	s.mu.Lock()
	s.failure = &status.ErrorInfo{Message: oneLine(cause), Detail: transport.Detail(cause)}
	s.mu.Unlock()

	s.logger.Error("session failed", log.Err(cause))
	s.transition(lifecycle.StateError, oneLine(cause))
	err := s.shutdown()
	s.transition(lifecycle.StateStopped, "shutdown after error")
	return errors.Join(cause, err)
}

// shutdown runs every step regardless of earlier failures.
func (s *Session) shutdown() error {
	var errs []error
	if err := s.transport.StopStream(); err != nil {
		errs = append(errs, fmt.Errorf("stop stream: %w", err))
	}
	if s.capture != nil {
		if sum, err := s.capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		} else {
			s.logger.Info("capture finalized",
				log.String("path", sum.Path),
				log.Uint64("frames", sum.Frames),
				log.String("digest", sum.Digest),
			)
		}
	}
	if s.proc != nil {
		if err := s.proc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream sinks: %w", err))
		}
	}
	if err := s.transport.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	if s.lk != nil {
		if err := s.lk.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) transition(to lifecycle.State, reason string) {
	if err := s.lifecycle.TransitionTo(to, reason); err != nil {
		s.logger.Error("rejected state transition", log.Err(err))
	}
}

// ID is the id of the current run.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// fatal reports errors that end the session: probe loss and connection
// errors. Anything else from a write is the caller's problem.
func fatal(err error) bool {
	var ce *transport.ConnectionError
	return errors.As(err, &ce) || errors.Is(err, transport.ErrProbeLost)
}

func transient(err error) bool {
	return transport.IsTransient(err) || errors.Is(err, transport.ErrWriteTimeout)
}

func oneLine(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
