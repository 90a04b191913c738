package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/transport"
)

// Name is the registry name of this backend.
const Name = "process"

const (
	// DefaultAttachDelay is how long the child gets to attach before it is
	// considered running.
	DefaultAttachDelay = time.Second

	// DefaultGrace is how long the child gets to exit after SIGTERM.
	DefaultGrace = 5 * time.Second

	maxPending   = 1 << 20
	stderrTail   = 4 << 10
	writeTimeout = 200 * time.Millisecond
)

// Transport runs a child debugger whose stdout carries up channel 0 and
// whose stdin feeds down channel 0.
type Transport struct {
	logger      log.Logger
	attachDelay time.Duration
	grace       time.Duration

	mu      sync.Mutex
	dev     transport.Device
	argv    []string
	cmd     *exec.Cmd
	stdin   *os.File
	pending bytes.Buffer
	dropped uint64
	stderr  tailBuffer
	exited  chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithAttachDelay overrides DefaultAttachDelay.
func WithAttachDelay(d time.Duration) Option {
	return func(t *Transport) { t.attachDelay = d }
}

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(t *Transport) { t.grace = d }
}

// New returns an unconnected Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		logger:      log.NewNoopLogger(),
		attachDelay: DefaultAttachDelay,
		grace:       DefaultGrace,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)

// Command returns the child command line for dev.
func Command(dev transport.Device) []string {
	if len(dev.Command) > 0 {
		return dev.Command
	}
	argv := []string{"probe-rs", "attach", "--chip", dev.Chip}
	if dev.Probe != "" {
		argv = append(argv, "--probe", dev.Probe)
	}
	if dev.SpeedKHz > 0 {
		argv = append(argv, "--speed", strconv.Itoa(dev.SpeedKHz))
	}
	if strings.EqualFold(dev.Interface, "JTAG") {
		argv = append(argv, "--protocol", "jtag")
	}
	return argv
}

// Connect resolves the debugger binary. The probe itself is attached by
// the child when the stream starts.
func (t *Transport) Connect(ctx context.Context, dev transport.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	argv := Command(dev)
	if len(dev.Command) == 0 && dev.Chip == "" {
		return transport.NewConnectionError(dev.ID, transport.ErrChipMismatch,
			errors.New("no chip configured for probe-rs"))
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return transport.NewConnectionError(dev.ID, transport.ErrProbeNotFound, err)
	}
	t.dev = dev
	t.argv = append([]string{path}, argv[1:]...)
	return nil
}

func (t *Transport) StartStream(ctx context.Context, channels []int) (int, error) {
	t.mu.Lock()
	if t.argv == nil {
		t.mu.Unlock()
		return 0, transport.ErrNotConnected
	}
	for _, ch := range channels {
		if ch != 0 {
			t.mu.Unlock()
			return 0, fmt.Errorf("%w: child debugger exposes channel 0 only, asked for %d", transport.ErrBadChannel, ch)
		}
	}
	if t.cmd != nil {
		t.mu.Unlock()
		return 1, nil
	}
	exited, err := t.spawn()
	t.mu.Unlock()
	if err != nil {
		return 0, transport.NewConnectionError(t.dev.ID, transport.ErrProbeNotFound, err)
	}

	select {
	case <-exited:
		t.mu.Lock()
		detail := t.stderr.String()
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		t.cmd, t.stdin = nil, nil
		t.mu.Unlock()
		return 0, t.exitError(detail)
	case <-ctx.Done():
		_ = t.StopStream()
		return 0, ctx.Err()
	case <-time.After(t.attachDelay):
	}

	t.logger.Info("child debugger attached",
		log.String("device", t.dev.ID),
		log.String("command", strings.Join(t.argv, " ")),
	)
	return 1, nil
}

// spawn starts the child in its own process group. Caller holds t.mu.
func (t *Transport) spawn() (chan struct{}, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(t.argv[0], t.argv[1:]...)
	cmd.Stdin = stdinR
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}
	stdinR.Close()

	t.cmd = cmd
	t.stdin = stdinW
	t.pending.Reset()
	t.stderr.Reset()
	t.exited = make(chan struct{})

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		t.pump(stdout)
	}()
	go func() {
		defer pumps.Done()
		t.drainStderr(stderr)
	}()

	exited := t.exited
	go func() {
		// Wait closes the pipes, so both pumps must finish first.
		pumps.Wait()
		_ = cmd.Wait()
		close(exited)
	}()
	return exited, nil
}

func (t *Transport) pump(r io.Reader) {
	buf := make([]byte, transport.DefaultReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.pending.Write(buf[:n])
			if over := t.pending.Len() - maxPending; over > 0 {
				t.pending.Next(over)
				t.dropped += uint64(over)
			}
			t.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (t *Transport) drainStderr(r io.Reader) {
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.stderr.Write(buf[:n])
			t.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (t *Transport) Read(channel int, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return 0, transport.ErrNotStreaming
	}
	if channel != 0 {
		return 0, fmt.Errorf("%w: %d", transport.ErrBadChannel, channel)
	}
	if t.pending.Len() > 0 {
		n, _ := t.pending.Read(p)
		return n, nil
	}
	select {
	case <-t.exited:
		return 0, transport.NewConnectionError(t.dev.ID, transport.ErrProbeLost,
			fmt.Errorf("child debugger exited: %s", t.stderr.String()))
	default:
		return 0, nil
	}
}

func (t *Transport) Write(ctx context.Context, channel int, p []byte) (int, error) {
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return 0, transport.ErrNotStreaming
	}
	if channel != 0 {
		return 0, fmt.Errorf("%w: %d", transport.ErrBadChannel, channel)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stdin.SetWriteDeadline(deadline)
	n, err := stdin.Write(p)
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return n, transport.ErrWriteTimeout
	case err != nil:
		return n, fmt.Errorf("write child stdin: %w", err)
	}
	return n, nil
}

// StopStream terminates the child: SIGTERM to its process group, then
// SIGKILL once the grace period runs out.
func (t *Transport) StopStream() error {
	t.mu.Lock()
	cmd, exited, stdin := t.cmd, t.exited, t.stdin
	t.cmd, t.stdin = nil, nil
	dropped := t.dropped
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if dropped > 0 {
		t.logger.Warn("child output overflowed", log.Uint64("dropped_bytes", dropped))
	}

	pgid := -cmd.Process.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		t.logger.Warn("terminate child debugger", log.Err(err))
	}
	select {
	case <-exited:
		return nil
	case <-time.After(t.grace):
	}

	t.logger.Warn("child debugger ignored SIGTERM, killing", log.Int("pid", cmd.Process.Pid))
	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill child debugger: %w", err)
	}
	<-exited
	return nil
}

func (t *Transport) Disconnect() error {
	err := t.StopStream()
	t.mu.Lock()
	t.argv = nil
	t.mu.Unlock()
	return err
}

func (t *Transport) exitError(detail string) error {
	lower := strings.ToLower(detail)
	reason := transport.ErrChannelNotFound
	switch {
	case strings.Contains(lower, "no probe"), strings.Contains(lower, "probe not found"):
		reason = transport.ErrProbeNotFound
	case strings.Contains(lower, "chip"), strings.Contains(lower, "target"):
		reason = transport.ErrChipMismatch
	}
	if reason == transport.ErrChannelNotFound {
		return fmt.Errorf("%w: child debugger exited during attach: %s", reason, detail)
	}
	return transport.NewConnectionError(t.dev.ID, reason, errors.New(detail))
}

// tailBuffer keeps the last stderrTail bytes written.
type tailBuffer struct {
	buf []byte
}

func (b *tailBuffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - stderrTail; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *tailBuffer) Reset() { b.buf = b.buf[:0] }

func (b *tailBuffer) String() string {
	return strings.Join(strings.Fields(string(b.buf)), " ")
}
