package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations and hex values
// to make TOML friendly.
type FileConfig struct {
	Device       string `toml:"device"`
	Backend      string `toml:"backend"`
	Chip         string `toml:"chip"`
	Probe        string `toml:"probe"`
	Interface    string `toml:"interface"`
	SpeedKHz     int    `toml:"speed_khz"`
	IDCode       string `toml:"idcode"`
	BlockAddress string `toml:"block_address"`
	SearchStart  string `toml:"search_start"`
	SearchSize   string `toml:"search_size"`
	Command      string `toml:"command"`
	StartTimeout string `toml:"start_timeout"`

	RunDir string `toml:"run_dir"`

	Channels      []int  `toml:"channels"`
	Stream        *bool  `toml:"stream"`
	StreamChannel int    `toml:"stream_channel"`
	StatePattern  string `toml:"state_pattern"`

	CaptureChannels []int  `toml:"capture_channels"`
	CapturePath     string `toml:"capture_path"`
	ArchiveCaptures *bool  `toml:"archive_captures"`
	SampleRate      int    `toml:"sample_rate"`
	SampleWidth     int    `toml:"sample_width"`
	TimestampHz     int    `toml:"timestamp_hz"`

	PollInterval           string `toml:"poll_interval"`
	HeartbeatInterval      string `toml:"heartbeat_interval"`
	IdleAfter              string `toml:"idle_after"`
	StuckAfter             string `toml:"stuck_after"`
	MaxConsecutiveFailures int    `toml:"max_consecutive_failures"`
	FlushLines             int    `toml:"flush_lines"`
	FlushInterval          string `toml:"flush_interval"`

	LogLevel string `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.rttbridge/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".rttbridge", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("device", fc.Device, &cfg.Device)
	s.setString("backend", fc.Backend, &cfg.Backend)
	s.setString("chip", fc.Chip, &cfg.Chip)
	s.setString("probe", fc.Probe, &cfg.Probe)
	s.setString("interface", fc.Interface, &cfg.Interface)
	s.setString("command", fc.Command, &cfg.Command)
	s.setString("run-dir", fc.RunDir, &cfg.RunDir)
	s.setString("state-pattern", fc.StatePattern, &cfg.StatePattern)
	s.setString("capture-path", fc.CapturePath, &cfg.CapturePath)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setUint32FromString("idcode", fc.IDCode, &cfg.IDCode); err != nil {
		return err
	}
	if err := s.setUint32FromString("block-address", fc.BlockAddress, &cfg.BlockAddress); err != nil {
		return err
	}
	if err := s.setUint32FromString("search-start", fc.SearchStart, &cfg.SearchStart); err != nil {
		return err
	}
	if err := s.setUint32FromString("search-size", fc.SearchSize, &cfg.SearchSize); err != nil {
		return err
	}

	if err := s.setDuration("start-timeout", fc.StartTimeout, &cfg.StartTimeout); err != nil {
		return err
	}
	if err := s.setDuration("poll", fc.PollInterval, &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat", fc.HeartbeatInterval, &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("idle-after", fc.IdleAfter, &cfg.IdleAfter); err != nil {
		return err
	}
	if err := s.setDuration("stuck-after", fc.StuckAfter, &cfg.StuckAfter); err != nil {
		return err
	}
	if err := s.setDuration("flush-interval", fc.FlushInterval, &cfg.FlushInterval); err != nil {
		return err
	}

	s.setInt("speed", fc.SpeedKHz, &cfg.SpeedKHz)
	s.setInt("stream-channel", fc.StreamChannel, &cfg.StreamChannel)
	s.setInt("sample-rate", fc.SampleRate, &cfg.SampleRate)
	s.setInt("sample-width", fc.SampleWidth, &cfg.SampleWidth)
	s.setInt("timestamp-hz", fc.TimestampHz, &cfg.TimestampHz)
	s.setInt("max-failures", fc.MaxConsecutiveFailures, &cfg.MaxConsecutiveFailures)
	s.setInt("flush-lines", fc.FlushLines, &cfg.FlushLines)

	s.setInts("channels", fc.Channels, &cfg.Channels)
	s.setInts("capture", fc.CaptureChannels, &cfg.CaptureChannels)

	s.setBool("stream", fc.Stream, &cfg.Stream)
	s.setBool("archive", fc.ArchiveCaptures, &cfg.ArchiveCaptures)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
