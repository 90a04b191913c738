package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (RTTBRIDGE_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("device", os.Getenv("RTTBRIDGE_DEVICE"), &cfg.Device)
	s.setString("backend", os.Getenv("RTTBRIDGE_BACKEND"), &cfg.Backend)
	s.setString("chip", os.Getenv("RTTBRIDGE_CHIP"), &cfg.Chip)
	s.setString("probe", os.Getenv("RTTBRIDGE_PROBE"), &cfg.Probe)
	s.setString("interface", os.Getenv("RTTBRIDGE_INTERFACE"), &cfg.Interface)
	s.setString("command", os.Getenv("RTTBRIDGE_COMMAND"), &cfg.Command)
	s.setString("run-dir", os.Getenv("RTTBRIDGE_RUN_DIR"), &cfg.RunDir)
	s.setString("state-pattern", os.Getenv("RTTBRIDGE_STATE_PATTERN"), &cfg.StatePattern)
	s.setString("capture-path", os.Getenv("RTTBRIDGE_CAPTURE_PATH"), &cfg.CapturePath)
	s.setString("log-level", os.Getenv("RTTBRIDGE_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setUint32FromString("idcode", os.Getenv("RTTBRIDGE_IDCODE"), &cfg.IDCode); err != nil {
		return err
	}
	if err := s.setUint32FromString("block-address", os.Getenv("RTTBRIDGE_BLOCK_ADDRESS"), &cfg.BlockAddress); err != nil {
		return err
	}

	if err := s.setDuration("start-timeout", os.Getenv("RTTBRIDGE_START_TIMEOUT"), &cfg.StartTimeout); err != nil {
		return err
	}
	if err := s.setDuration("poll", os.Getenv("RTTBRIDGE_POLL_INTERVAL"), &cfg.PollInterval); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat", os.Getenv("RTTBRIDGE_HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval); err != nil {
		return err
	}

	if err := s.setIntFromString("speed", os.Getenv("RTTBRIDGE_SPEED_KHZ"), &cfg.SpeedKHz); err != nil {
		return err
	}
	if err := s.setIntFromString("sample-rate", os.Getenv("RTTBRIDGE_SAMPLE_RATE"), &cfg.SampleRate); err != nil {
		return err
	}
	if err := s.setIntFromString("max-failures", os.Getenv("RTTBRIDGE_MAX_FAILURES"), &cfg.MaxConsecutiveFailures); err != nil {
		return err
	}

	if err := s.setIntsFromString("channels", os.Getenv("RTTBRIDGE_CHANNELS"), &cfg.Channels); err != nil {
		return err
	}
	if err := s.setIntsFromString("capture", os.Getenv("RTTBRIDGE_CAPTURE_CHANNELS"), &cfg.CaptureChannels); err != nil {
		return err
	}

	s.setBoolFromString("stream", os.Getenv("RTTBRIDGE_STREAM"), &cfg.Stream)

	return nil
}
