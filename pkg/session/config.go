package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/bft-labs/rttbridge/pkg/capture"
	"github.com/bft-labs/rttbridge/pkg/lock"
	"github.com/bft-labs/rttbridge/pkg/stream"
	"github.com/bft-labs/rttbridge/pkg/transport"
)

// Default timings of the poll loop and health evaluation.
const (
	DefaultPollInterval           = 10 * time.Millisecond
	DefaultHeartbeatInterval      = time.Second
	DefaultIdleAfter              = 10 * time.Second
	DefaultStuckAfter             = 30 * time.Second
	DefaultMaxConsecutiveFailures = 10
)

// CaptureFile is the artifact name inside the device directory.
const CaptureFile = "capture.rttb"

// Config describes one session.
type Config struct {
	Device transport.Device

	// RunDir holds locks/ and one directory per device.
	RunDir string

	// Channels are the up channels read every poll.
	Channels []int

	// Stream enables the text processor on StreamChannel.
	Stream        bool
	StreamChannel int
	StreamConfig  stream.Config
	StatePattern  string

	// CaptureChannels are written to the binary artifact. Empty disables
	// capture.
	CaptureChannels []int
	CapturePath     string
	SampleRate      uint32
	SampleWidth     uint8
	TimestampHz     uint32

	// ArchiveCaptures renames the previous run's artifact instead of
	// overwriting it.
	ArchiveCaptures bool

	PollInterval           time.Duration
	HeartbeatInterval      time.Duration
	IdleAfter              time.Duration
	StuckAfter             time.Duration
	MaxConsecutiveFailures int
	ReadSize               int
}

// DefaultConfig returns a text-only session on channel 0.
func DefaultConfig(dev transport.Device, runDir string) Config {
	return Config{
		Device:                 dev,
		RunDir:                 runDir,
		Channels:               []int{0},
		Stream:                 true,
		SampleWidth:            1,
		TimestampHz:            capture.DefaultTimestampHz,
		PollInterval:           DefaultPollInterval,
		HeartbeatInterval:      DefaultHeartbeatInterval,
		IdleAfter:              DefaultIdleAfter,
		StuckAfter:             DefaultStuckAfter,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		ReadSize:               transport.DefaultReadSize,
	}
}

// DeviceDir is where a device's status document and sinks live.
func DeviceDir(runDir, deviceID string) string {
	return filepath.Join(runDir, lock.Sanitize(deviceID))
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if len(c.Channels) == 0 {
		c.Channels = []int{0}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = DefaultIdleAfter
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.ReadSize <= 0 {
		c.ReadSize = transport.DefaultReadSize
	}
	if c.SampleWidth == 0 {
		c.SampleWidth = 1
	}
	dir := DeviceDir(c.RunDir, c.Device.ID)
	if c.Stream {
		sc := stream.DefaultConfig(dir)
		if c.StreamConfig.LogPath != "" || c.StreamConfig.JSONLPath != "" || c.StreamConfig.CSVPath != "" {
			sc.LogPath, sc.JSONLPath, sc.CSVPath = c.StreamConfig.LogPath, c.StreamConfig.JSONLPath, c.StreamConfig.CSVPath
		}
		if c.StreamConfig.FlushLines > 0 {
			sc.FlushLines = c.StreamConfig.FlushLines
		}
		if c.StreamConfig.FlushInterval > 0 {
			sc.FlushInterval = c.StreamConfig.FlushInterval
		}
		if c.StreamConfig.MaxLineBytes > 0 {
			sc.MaxLineBytes = c.StreamConfig.MaxLineBytes
		}
		if c.StreamConfig.MaxLogBytes != 0 {
			sc.MaxLogBytes = c.StreamConfig.MaxLogBytes
		}
		c.StreamConfig = sc
	}
	if len(c.CaptureChannels) > 0 && c.CapturePath == "" {
		c.CapturePath = filepath.Join(dir, CaptureFile)
	}
}

// Validate checks the configuration after SetDefaults.
func (c Config) Validate() error {
	if c.Device.ID == "" {
		return errors.New("session: device id is required")
	}
	if c.Device.Backend == "" {
		return errors.New("session: backend is required")
	}
	if c.RunDir == "" {
		return errors.New("session: run dir is required")
	}
	read := map[int]bool{}
	for _, ch := range c.Channels {
		if ch < 0 || ch >= capture.MaxChannels {
			return fmt.Errorf("session: channel %d out of range", ch)
		}
		read[ch] = true
	}
	if c.Stream && !read[c.StreamChannel] {
		return fmt.Errorf("session: stream channel %d is not read", c.StreamChannel)
	}
	for _, ch := range c.CaptureChannels {
		if !read[ch] {
			return fmt.Errorf("session: capture channel %d is not read", ch)
		}
	}
	if c.StuckAfter < c.IdleAfter {
		return fmt.Errorf("session: stuck_after %s is shorter than idle_after %s", c.StuckAfter, c.IdleAfter)
	}
	if c.StatePattern != "" {
		if _, err := regexp.Compile(c.StatePattern); err != nil {
			return fmt.Errorf("session: state pattern: %w", err)
		}
	}
	return nil
}
