package cliconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyFileConfig(t *testing.T) {
	trueVal := true
	falseVal := false

	tests := []struct {
		name       string
		fileConfig FileConfig
		changed    map[string]bool
		initial    Config
		expected   Config
		wantErr    bool
	}{
		{
			name: "applies all valid config values",
			fileConfig: FileConfig{
				Device:       "board-1",
				Backend:      "cmsisdap",
				PollInterval: "20ms",
				SpeedKHz:     1000,
				IDCode:       "0x2BA01477",
				Stream:       &falseVal,
			},
			changed: map[string]bool{},
			initial: Config{Stream: true},
			expected: Config{
				Device:       "board-1",
				Backend:      "cmsisdap",
				PollInterval: 20 * time.Millisecond,
				SpeedKHz:     1000,
				IDCode:       0x2BA01477,
				Stream:       false,
			},
		},
		{
			name: "respects changed flags",
			fileConfig: FileConfig{
				Device:  "config-board",
				Backend: "process",
			},
			changed: map[string]bool{"device": true},
			initial: Config{
				Device:  "flag-board",
				Backend: "sim",
			},
			expected: Config{
				Device:  "flag-board", // unchanged because flag was set
				Backend: "process",
			},
		},
		{
			name: "returns error for invalid duration",
			fileConfig: FileConfig{
				PollInterval: "not-a-duration",
			},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name: "returns error for invalid hex",
			fileConfig: FileConfig{
				BlockAddress: "0xZZ",
			},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name: "empty capture list disables capture",
			fileConfig: FileConfig{
				CaptureChannels: []int{},
			},
			changed:  map[string]bool{},
			initial:  Config{CaptureChannels: []int{1}},
			expected: Config{},
		},
		{
			name: "handles all field types correctly",
			fileConfig: FileConfig{
				Device:                 "board",
				Backend:                "process",
				Chip:                   "STM32F407VG",
				Probe:                  "066DFF",
				Interface:              "JTAG",
				SpeedKHz:               2000,
				BlockAddress:           "0x20000100",
				SearchStart:            "0x20000000",
				SearchSize:             "65536",
				Command:                "probe-rs attach --chip STM32F407VG",
				StartTimeout:           "2s",
				RunDir:                 "/run/rtt",
				Channels:               []int{0, 1},
				Stream:                 &trueVal,
				StatePattern:           `^MODE (\w+)`,
				CaptureChannels:        []int{1},
				CapturePath:            "/data/cap.rttb",
				SampleRate:             16000,
				SampleWidth:            2,
				TimestampHz:            1000000,
				PollInterval:           "5ms",
				HeartbeatInterval:      "2s",
				IdleAfter:              "1m",
				StuckAfter:             "5m",
				MaxConsecutiveFailures: 3,
				FlushLines:             16,
				FlushInterval:          "1s",
				LogLevel:               "debug",
			},
			changed: map[string]bool{},
			initial: Config{},
			expected: Config{
				Device:                 "board",
				Backend:                "process",
				Chip:                   "STM32F407VG",
				Probe:                  "066DFF",
				Interface:              "JTAG",
				SpeedKHz:               2000,
				BlockAddress:           0x20000100,
				SearchStart:            0x20000000,
				SearchSize:             65536,
				Command:                "probe-rs attach --chip STM32F407VG",
				StartTimeout:           2 * time.Second,
				RunDir:                 "/run/rtt",
				Channels:               []int{0, 1},
				Stream:                 true,
				StatePattern:           `^MODE (\w+)`,
				CaptureChannels:        []int{1},
				CapturePath:            "/data/cap.rttb",
				SampleRate:             16000,
				SampleWidth:            2,
				TimestampHz:            1000000,
				PollInterval:           5 * time.Millisecond,
				HeartbeatInterval:      2 * time.Second,
				IdleAfter:              time.Minute,
				StuckAfter:             5 * time.Minute,
				MaxConsecutiveFailures: 3,
				FlushLines:             16,
				FlushInterval:          time.Second,
				LogLevel:               "debug",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			err := ApplyFileConfig(&cfg, tt.fileConfig, tt.changed)

			if tt.wantErr && err == nil {
				t.Error("ApplyFileConfig() expected error but got nil")
				return
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ApplyFileConfig() unexpected error: %v", err)
				return
			}
			if !tt.wantErr {
				assertConfig(t, cfg, tt.expected)
			}
		})
	}
}

// assertConfig compares field by field so failures name the field.
func assertConfig(t *testing.T, got, want Config) {
	t.Helper()

	if got.Device != want.Device {
		t.Errorf("Device = %v, want %v", got.Device, want.Device)
	}
	if got.Backend != want.Backend {
		t.Errorf("Backend = %v, want %v", got.Backend, want.Backend)
	}
	if got.Chip != want.Chip || got.Probe != want.Probe || got.Interface != want.Interface {
		t.Errorf("target = %v/%v/%v, want %v/%v/%v",
			got.Chip, got.Probe, got.Interface, want.Chip, want.Probe, want.Interface)
	}
	if got.Command != want.Command {
		t.Errorf("Command = %v, want %v", got.Command, want.Command)
	}
	if got.RunDir != want.RunDir || got.CapturePath != want.CapturePath {
		t.Errorf("paths = %v %v, want %v %v", got.RunDir, got.CapturePath, want.RunDir, want.CapturePath)
	}
	if got.StatePattern != want.StatePattern || got.LogLevel != want.LogLevel {
		t.Errorf("StatePattern/LogLevel = %v/%v", got.StatePattern, got.LogLevel)
	}

	// Check hex fields
	if got.IDCode != want.IDCode {
		t.Errorf("IDCode = %#x, want %#x", got.IDCode, want.IDCode)
	}
	if got.BlockAddress != want.BlockAddress || got.SearchStart != want.SearchStart || got.SearchSize != want.SearchSize {
		t.Errorf("addresses = %#x %#x %#x", got.BlockAddress, got.SearchStart, got.SearchSize)
	}

	// Check duration fields
	if got.PollInterval != want.PollInterval {
		t.Errorf("PollInterval = %v, want %v", got.PollInterval, want.PollInterval)
	}
	if got.HeartbeatInterval != want.HeartbeatInterval || got.StartTimeout != want.StartTimeout {
		t.Errorf("HeartbeatInterval/StartTimeout = %v/%v", got.HeartbeatInterval, got.StartTimeout)
	}
	if got.IdleAfter != want.IdleAfter || got.StuckAfter != want.StuckAfter || got.FlushInterval != want.FlushInterval {
		t.Errorf("IdleAfter/StuckAfter/FlushInterval = %v/%v/%v", got.IdleAfter, got.StuckAfter, got.FlushInterval)
	}

	// Check int fields
	if got.SpeedKHz != want.SpeedKHz {
		t.Errorf("SpeedKHz = %v, want %v", got.SpeedKHz, want.SpeedKHz)
	}
	if got.SampleRate != want.SampleRate || got.SampleWidth != want.SampleWidth || got.TimestampHz != want.TimestampHz {
		t.Errorf("sample format = %v/%v/%v", got.SampleRate, got.SampleWidth, got.TimestampHz)
	}
	if got.MaxConsecutiveFailures != want.MaxConsecutiveFailures || got.FlushLines != want.FlushLines {
		t.Errorf("MaxConsecutiveFailures/FlushLines = %v/%v", got.MaxConsecutiveFailures, got.FlushLines)
	}
	if !equalInts(got.Channels, want.Channels) {
		t.Errorf("Channels = %v, want %v", got.Channels, want.Channels)
	}
	if !equalInts(got.CaptureChannels, want.CaptureChannels) {
		t.Errorf("CaptureChannels = %v, want %v", got.CaptureChannels, want.CaptureChannels)
	}

	// Check bool fields
	if got.Stream != want.Stream {
		t.Errorf("Stream = %v, want %v", got.Stream, want.Stream)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadFileConfig(t *testing.T) {
	// Create a temporary TOML file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.toml")

	tomlContent := `
device = "board-1"
backend = "cmsisdap"
idcode = "0x2BA01477"
poll_interval = "5ms"
channels = [0, 1]
capture_channels = [1]
sample_width = 2
stream = false
`

	if err := os.WriteFile(configPath, []byte(tomlContent), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	fc, err := LoadFileConfig(configPath)
	if err != nil {
		t.Fatalf("LoadFileConfig() error = %v", err)
	}

	if fc.Device != "board-1" {
		t.Errorf("Device = %v, want board-1", fc.Device)
	}
	if fc.IDCode != "0x2BA01477" {
		t.Errorf("IDCode = %v, want 0x2BA01477", fc.IDCode)
	}
	if fc.PollInterval != "5ms" {
		t.Errorf("PollInterval = %v, want 5ms", fc.PollInterval)
	}
	if !equalInts(fc.Channels, []int{0, 1}) || !equalInts(fc.CaptureChannels, []int{1}) {
		t.Errorf("channels = %v / %v", fc.Channels, fc.CaptureChannels)
	}
	if fc.SampleWidth != 2 {
		t.Errorf("SampleWidth = %v, want 2", fc.SampleWidth)
	}
	if fc.Stream == nil || *fc.Stream != false {
		t.Errorf("Stream = %v, want false", fc.Stream)
	}

	cfg := DefaultConfig()
	if err := ApplyFileConfig(&cfg, fc, map[string]bool{}); err != nil {
		t.Fatal(err)
	}
	if cfg.IDCode != 0x2BA01477 || cfg.Stream {
		t.Errorf("applied config = %+v", cfg)
	}
}

func TestLoadFileConfig_InvalidFile(t *testing.T) {
	_, err := LoadFileConfig("/nonexistent/path/config.toml")
	if err == nil {
		t.Error("LoadFileConfig() expected error for nonexistent file")
	}
}

func TestLoadFileConfig_InvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.toml")

	invalidContent := `
device = "board"
this is not valid toml
`

	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	_, err := LoadFileConfig(configPath)
	if err == nil {
		t.Error("LoadFileConfig() expected error for invalid TOML")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()

	// Should return a path containing .rttbridge
	if path != "" && !strings.Contains(path, ".rttbridge") {
		t.Errorf("DefaultConfigPath() = %v, should contain .rttbridge", path)
	}
}

func TestFileExists(t *testing.T) {
	tmpDir := t.TempDir()
	existingFile := filepath.Join(tmpDir, "exists.txt")

	if err := os.WriteFile(existingFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	if !FileExists(existingFile) {
		t.Error("FileExists() = false, want true for existing file")
	}

	if FileExists(filepath.Join(tmpDir, "nonexistent.txt")) {
		t.Error("FileExists() = true, want false for nonexistent file")
	}
}
