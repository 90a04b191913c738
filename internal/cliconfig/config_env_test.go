package cliconfig

import (
	"testing"
	"time"
)

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		changed  map[string]bool
		initial  Config
		expected Config
		wantErr  bool
	}{
		{
			name: "applies all valid env vars",
			envVars: map[string]string{
				"RTTBRIDGE_DEVICE":        "env-board",
				"RTTBRIDGE_BACKEND":       "process",
				"RTTBRIDGE_POLL_INTERVAL": "25ms",
				"RTTBRIDGE_SPEED_KHZ":     "1000",
				"RTTBRIDGE_IDCODE":        "0x6BA02477",
				"RTTBRIDGE_CHANNELS":      "0, 1",
				"RTTBRIDGE_STREAM":        "true",
			},
			changed: map[string]bool{},
			initial: Config{},
			expected: Config{
				Device:       "env-board",
				Backend:      "process",
				PollInterval: 25 * time.Millisecond,
				SpeedKHz:     1000,
				IDCode:       0x6BA02477,
				Channels:     []int{0, 1},
				Stream:       true,
			},
		},
		{
			name: "respects changed flags",
			envVars: map[string]string{
				"RTTBRIDGE_DEVICE":  "env-board",
				"RTTBRIDGE_BACKEND": "process",
			},
			changed: map[string]bool{"device": true},
			initial: Config{
				Device: "flag-board",
			},
			expected: Config{
				Device:  "flag-board",
				Backend: "process",
			},
		},
		{
			name: "returns error for invalid duration",
			envVars: map[string]string{
				"RTTBRIDGE_POLL_INTERVAL": "not-a-duration",
			},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name: "returns error for invalid int",
			envVars: map[string]string{
				"RTTBRIDGE_SAMPLE_RATE": "not-a-number",
			},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name: "returns error for invalid channel list",
			envVars: map[string]string{
				"RTTBRIDGE_CAPTURE_CHANNELS": "1,two",
			},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name: "handles bool '1' as true",
			envVars: map[string]string{
				"RTTBRIDGE_STREAM": "1",
			},
			changed:  map[string]bool{},
			initial:  Config{},
			expected: Config{Stream: true},
		},
		{
			name: "handles bool 'false' as false",
			envVars: map[string]string{
				"RTTBRIDGE_STREAM": "false",
			},
			changed:  map[string]bool{},
			initial:  Config{Stream: true},
			expected: Config{Stream: false},
		},
		{
			name: "handles all field types correctly",
			envVars: map[string]string{
				"RTTBRIDGE_DEVICE":             "board",
				"RTTBRIDGE_BACKEND":            "cmsisdap",
				"RTTBRIDGE_CHIP":               "nRF52840_xxAA",
				"RTTBRIDGE_PROBE":              "000683",
				"RTTBRIDGE_INTERFACE":          "SWD",
				"RTTBRIDGE_COMMAND":            "probe-rs attach",
				"RTTBRIDGE_RUN_DIR":            "/run/rtt",
				"RTTBRIDGE_STATE_PATTERN":      `^MODE (\w+)`,
				"RTTBRIDGE_CAPTURE_PATH":       "/data/cap.rttb",
				"RTTBRIDGE_LOG_LEVEL":          "warn",
				"RTTBRIDGE_IDCODE":             "0x2BA01477",
				"RTTBRIDGE_BLOCK_ADDRESS":      "536871168",
				"RTTBRIDGE_START_TIMEOUT":      "3s",
				"RTTBRIDGE_POLL_INTERVAL":      "1ms",
				"RTTBRIDGE_HEARTBEAT_INTERVAL": "500ms",
				"RTTBRIDGE_SPEED_KHZ":          "8000",
				"RTTBRIDGE_SAMPLE_RATE":        "44100",
				"RTTBRIDGE_MAX_FAILURES":       "5",
				"RTTBRIDGE_CHANNELS":           "0,1,2",
				"RTTBRIDGE_CAPTURE_CHANNELS":   "1,2",
				"RTTBRIDGE_STREAM":             "1",
			},
			changed: map[string]bool{},
			initial: Config{},
			expected: Config{
				Device:                 "board",
				Backend:                "cmsisdap",
				Chip:                   "nRF52840_xxAA",
				Probe:                  "000683",
				Interface:              "SWD",
				Command:                "probe-rs attach",
				RunDir:                 "/run/rtt",
				StatePattern:           `^MODE (\w+)`,
				CapturePath:            "/data/cap.rttb",
				LogLevel:               "warn",
				IDCode:                 0x2BA01477,
				BlockAddress:           0x20000100,
				StartTimeout:           3 * time.Second,
				PollInterval:           time.Millisecond,
				HeartbeatInterval:      500 * time.Millisecond,
				SpeedKHz:               8000,
				SampleRate:             44100,
				MaxConsecutiveFailures: 5,
				Channels:               []int{0, 1, 2},
				CaptureChannels:        []int{1, 2},
				Stream:                 true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := tt.initial
			err := ApplyEnvConfig(&cfg, tt.changed)

			if tt.wantErr && err == nil {
				t.Error("ApplyEnvConfig() expected error but got nil")
				return
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ApplyEnvConfig() unexpected error: %v", err)
				return
			}
			if !tt.wantErr {
				assertConfig(t, cfg, tt.expected)
			}
		})
	}
}

// Integration test: precedence order (CLI > Env > File)
func TestConfigPrecedence(t *testing.T) {
	falseVal := false

	fileConf := FileConfig{
		Device:  "file-board",
		Backend: "file-backend",
		Chip:    "file-chip",
		Stream:  &falseVal,
	}

	t.Setenv("RTTBRIDGE_DEVICE", "env-board")
	t.Setenv("RTTBRIDGE_BACKEND", "env-backend")
	t.Setenv("RTTBRIDGE_RUN_DIR", "/env/run")

	// Simulate CLI flags
	changed := map[string]bool{
		"device": true,
	}

	cfg := Config{
		Device: "cli-board",
		Stream: true,
	}

	if err := ApplyFileConfig(&cfg, fileConf, changed); err != nil {
		t.Fatalf("ApplyFileConfig failed: %v", err)
	}
	if err := ApplyEnvConfig(&cfg, changed); err != nil {
		t.Fatalf("ApplyEnvConfig failed: %v", err)
	}

	if cfg.Device != "cli-board" {
		t.Errorf("Device = %v, want cli-board (CLI should win)", cfg.Device)
	}
	if cfg.Backend != "env-backend" {
		t.Errorf("Backend = %v, want env-backend (env should override file)", cfg.Backend)
	}
	if cfg.RunDir != "/env/run" {
		t.Errorf("RunDir = %v, want /env/run (env should set)", cfg.RunDir)
	}
	if cfg.Chip != "file-chip" {
		t.Errorf("Chip = %v, want file-chip (file should set)", cfg.Chip)
	}
	if cfg.Stream {
		t.Error("Stream = true, want false (file should set)")
	}
}
