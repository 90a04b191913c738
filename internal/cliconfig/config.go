package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/rttbridge/pkg/capture"
	"github.com/bft-labs/rttbridge/pkg/session"
	"github.com/bft-labs/rttbridge/pkg/transport"
	"github.com/bft-labs/rttbridge/pkg/transport/sim"
)

// DefaultRunDirName is the run directory under the system temp dir.
const DefaultRunDirName = "rttbridge"

// Config holds CLI configuration for one device.
type Config struct {
	Device    string
	Backend   string
	Chip      string
	Probe     string
	Interface string
	SpeedKHz  int
	IDCode    uint32

	BlockAddress uint32
	SearchStart  uint32
	SearchSize   uint32
	Command      string
	StartTimeout time.Duration

	RunDir string

	Channels      []int
	Stream        bool
	StreamChannel int
	StatePattern  string

	CaptureChannels []int
	CapturePath     string
	ArchiveCaptures bool
	SampleRate      int
	SampleWidth     int
	TimestampHz     int

	PollInterval           time.Duration
	HeartbeatInterval      time.Duration
	IdleAfter              time.Duration
	StuckAfter             time.Duration
	MaxConsecutiveFailures int
	FlushLines             int
	FlushInterval          time.Duration

	LogLevel string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Backend:                sim.Name,
		Interface:              "SWD",
		SpeedKHz:               4000,
		StartTimeout:           transport.DefaultStartTimeout,
		RunDir:                 DefaultRunDir(),
		Channels:               []int{0},
		Stream:                 true,
		ArchiveCaptures:        true,
		SampleWidth:            1,
		TimestampHz:            capture.DefaultTimestampHz,
		PollInterval:           session.DefaultPollInterval,
		HeartbeatInterval:      session.DefaultHeartbeatInterval,
		IdleAfter:              session.DefaultIdleAfter,
		StuckAfter:             session.DefaultStuckAfter,
		MaxConsecutiveFailures: session.DefaultMaxConsecutiveFailures,
		FlushLines:             64,
		FlushInterval:          250 * time.Millisecond,
		LogLevel:               "info",
	}
}

// DefaultRunDir is $RTTBRIDGE_RUN_DIR, falling back to /tmp/rttbridge.
func DefaultRunDir() string {
	if d := os.Getenv("RTTBRIDGE_RUN_DIR"); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), DefaultRunDirName)
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("backend is required")
	}
	if c.Device == "" {
		// fallback to the most specific thing we know about the target
		switch {
		case c.Probe != "":
			c.Device = c.Probe
		case c.Chip != "":
			c.Device = c.Chip
		default:
			return fmt.Errorf("device is required (or probe / chip)")
		}
	}
	if c.RunDir == "" {
		c.RunDir = DefaultRunDir()
	}
	if len(c.Channels) == 0 {
		c.Channels = []int{0}
	}

	switch strings.ToUpper(c.Interface) {
	case "", "SWD", "JTAG":
		c.Interface = strings.ToUpper(c.Interface)
	default:
		return fmt.Errorf("interface must be SWD or JTAG, got %q", c.Interface)
	}

	switch c.SampleWidth {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("sample width must be 1, 2, 4 or 8 bytes")
	}
	if c.SampleRate < 0 || c.TimestampHz < 0 {
		return fmt.Errorf("sample rate and timestamp unit must not be negative")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.StuckAfter < c.IdleAfter {
		return fmt.Errorf("stuck-after must not be shorter than idle-after")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// TransportDevice builds the device description handed to the transport.
func (c Config) TransportDevice() transport.Device {
	return transport.Device{
		ID:           c.Device,
		Backend:      c.Backend,
		Chip:         c.Chip,
		Probe:        c.Probe,
		Interface:    c.Interface,
		SpeedKHz:     c.SpeedKHz,
		IDCode:       c.IDCode,
		BlockAddress: c.BlockAddress,
		SearchStart:  c.SearchStart,
		SearchSize:   c.SearchSize,
		Command:      strings.Fields(c.Command),
		StartTimeout: c.StartTimeout,
	}
}

// SessionConfig converts the CLI configuration into a session.Config.
func (c Config) SessionConfig() session.Config {
	sc := session.DefaultConfig(c.TransportDevice(), c.RunDir)
	sc.Channels = append([]int(nil), c.Channels...)
	sc.Stream = c.Stream
	sc.StreamChannel = c.StreamChannel
	sc.StatePattern = c.StatePattern
	sc.StreamConfig.FlushLines = c.FlushLines
	sc.StreamConfig.FlushInterval = c.FlushInterval
	sc.CaptureChannels = append([]int(nil), c.CaptureChannels...)
	sc.CapturePath = c.CapturePath
	sc.ArchiveCaptures = c.ArchiveCaptures
	sc.SampleRate = uint32(c.SampleRate)
	sc.SampleWidth = uint8(c.SampleWidth)
	sc.TimestampHz = uint32(c.TimestampHz)
	sc.PollInterval = c.PollInterval
	sc.HeartbeatInterval = c.HeartbeatInterval
	sc.IdleAfter = c.IdleAfter
	sc.StuckAfter = c.StuckAfter
	sc.MaxConsecutiveFailures = c.MaxConsecutiveFailures
	sc.SetDefaults()
	return sc
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInts sets an int list if not nil and flag not changed. An empty list
// is a valid value ("no capture channels").
func (s *configSetter) setInts(flag string, value []int, dst *[]int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = append([]int{}, value...)
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setUint32FromString parses decimal or 0x-prefixed hex. Addresses and ID
// codes are written in hex almost everywhere.
func (s *configSetter) setUint32FromString(flag, value string, dst *uint32) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	v, err := ParseUint32(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = v
	return nil
}

// ParseUint32 parses a decimal, 0x hex or 0o octal 32-bit value.
func ParseUint32(value string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setIntsFromString parses a comma separated list such as "0,1".
func (s *configSetter) setIntsFromString(flag, value string, dst *[]int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("parse %s: %w", flag, err)
		}
		out = append(out, i)
	}
	*dst = out
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
