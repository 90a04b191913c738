package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/rttbridge/internal/cliconfig"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/session"
	"github.com/bft-labs/rttbridge/pkg/status"
)

const helpDescription = `
Bridge the RTT channels of a microcontroller to files you can tail, grep and plot.

Highlights:
  - One daemon per device, guarded by a lock; status is a JSON document.
  - Text output is cleaned, classified and split into log, JSONL and CSV.
  - Binary channels are captured with timestamps and exported to CSV, CBOR or WAV.
  - Talks to CMSIS-DAP probes directly, to a debugger process, or to a simulated board.
`

var longHelp = "rttbridge" + "\n\n" + strings.TrimSpace(helpDescription)

var exampleUsage = strings.TrimSpace(`
  rttbridge run --device demo
  rttbridge start --device nrf52 --backend cmsisdap --chip nRF52840 --wait 10s
  rttbridge status --device nrf52 --output yaml
  rttbridge convert /tmp/rttbridge/nrf52/capture.rttb --format wav --channel 1
`)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// globalFlags are shared by every command that addresses a device.
type globalFlags struct {
	cfg     cliconfig.Config
	cfgPath string
}

func main() {
	g := &globalFlags{cfg: cliconfig.DefaultConfig()}

	root := &cobra.Command{
		Use:           "rttbridge",
		Short:         "Bridge microcontroller RTT channels to files",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.cfgPath, "config", "", "path to config file (default: $HOME/.rttbridge/config.toml)")
	pf.StringVar(&g.cfg.Device, "device", g.cfg.Device, "device id (defaults to the probe serial, then the chip)")
	pf.StringVar(&g.cfg.RunDir, "run-dir", g.cfg.RunDir, "directory holding locks and per-device output")
	pf.StringVar(&g.cfg.LogLevel, "log-level", g.cfg.LogLevel, "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(g),
		newStartCmd(g),
		newStatusCmd(g),
		newStopCmd(g),
		newConvertCmd(),
		newProcessCmd(g),
		newProbesCmd(),
	)

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "rttbridge:", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "rttbridge:", err)
		os.Exit(1)
	}
}

// addTargetFlags registers the flags that describe a session. They are
// shared by run and start so start can hand them to the daemon unchanged.
func addTargetFlags(fs *pflag.FlagSet, cfg *cliconfig.Config) {
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "transport backend (sim, cmsisdap, process)")
	fs.StringVar(&cfg.Chip, "chip", cfg.Chip, "target chip name")
	fs.StringVar(&cfg.Probe, "probe", cfg.Probe, "probe serial number")
	fs.StringVar(&cfg.Interface, "interface", cfg.Interface, "debug interface (SWD or JTAG)")
	fs.IntVar(&cfg.SpeedKHz, "speed", cfg.SpeedKHz, "debug clock in kHz")
	fs.String("idcode", "", "expected debug port IDCODE (e.g. 0x2ba01477)")
	fs.String("block-address", "", "RTT control block address (skips the search)")
	fs.String("search-start", "", "start of the RAM range searched for the control block")
	fs.String("search-size", "", "size of the RAM range searched for the control block")
	fs.StringVar(&cfg.Command, "command", cfg.Command, "debugger command line for the process backend")
	fs.DurationVar(&cfg.StartTimeout, "start-timeout", cfg.StartTimeout, "how long to wait for the target to start streaming")

	fs.IntSliceVar(&cfg.Channels, "channels", cfg.Channels, "up channels to read")
	fs.BoolVar(&cfg.Stream, "stream", cfg.Stream, "run the text processor")
	fs.IntVar(&cfg.StreamChannel, "stream-channel", cfg.StreamChannel, "channel fed to the text processor")
	fs.StringVar(&cfg.StatePattern, "state-pattern", cfg.StatePattern, "regexp marking extra lines as state events")
	fs.IntSliceVar(&cfg.CaptureChannels, "capture", cfg.CaptureChannels, "channels written to the binary capture")
	fs.StringVar(&cfg.CapturePath, "capture-path", cfg.CapturePath, "capture artifact path (default: <run-dir>/<device>/capture.rttb)")
	fs.BoolVar(&cfg.ArchiveCaptures, "archive", cfg.ArchiveCaptures, "keep the previous capture under a timestamped name")
	fs.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "nominal sample rate of captured channels in Hz")
	fs.IntVar(&cfg.SampleWidth, "sample-width", cfg.SampleWidth, "sample width in bytes (1, 2, 4 or 8)")
	fs.IntVar(&cfg.TimestampHz, "timestamp-hz", cfg.TimestampHz, "capture timestamp ticks per second")

	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "poll interval")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "status document rewrite interval")
	fs.DurationVar(&cfg.IdleAfter, "idle-after", cfg.IdleAfter, "report idle after this long without data")
	fs.DurationVar(&cfg.StuckAfter, "stuck-after", cfg.StuckAfter, "report stuck after this long without data")
	fs.IntVar(&cfg.MaxConsecutiveFailures, "max-failures", cfg.MaxConsecutiveFailures, "consecutive read or write failures before giving up")
	fs.IntVar(&cfg.FlushLines, "flush-lines", cfg.FlushLines, "flush text sinks after this many lines")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "flush text sinks at least this often")
}

// loadConfig resolves file, env and flags, in increasing precedence, into
// g.cfg. It returns the config file that was used, or "".
func (g *globalFlags) loadConfig(cmd *cobra.Command) (string, error) {
	cfgFile := g.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	// Build set of changed flags
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	// Address flags are plain strings so that hex works.
	if err := g.applyAddressFlags(cmd, changed); err != nil {
		return "", err
	}

	used := ""
	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&g.cfg, fc, changed); err != nil {
			return "", err
		}
		used = cfgFile
	} else if g.cfgPath != "" {
		return "", fmt.Errorf("config file %s not found", g.cfgPath)
	}

	// Apply environment variables (RTTBRIDGE_*)
	// These override file config but are overridden by flags (checked via changed map)
	if err := cliconfig.ApplyEnvConfig(&g.cfg, changed); err != nil {
		return "", err
	}

	if err := g.cfg.Validate(); err != nil {
		return "", err
	}
	return used, nil
}

func (g *globalFlags) applyAddressFlags(cmd *cobra.Command, changed map[string]bool) error {
	fs := cmd.Flags()
	targets := []struct {
		name string
		dst  *uint32
	}{
		{"idcode", &g.cfg.IDCode},
		{"block-address", &g.cfg.BlockAddress},
		{"search-start", &g.cfg.SearchStart},
		{"search-size", &g.cfg.SearchSize},
	}
	for _, t := range targets {
		if !changed[t.name] {
			continue
		}
		raw, err := fs.GetString(t.name)
		if err != nil {
			return err
		}
		v, err := cliconfig.ParseUint32(raw)
		if err != nil {
			return fmt.Errorf("--%s: %w", t.name, err)
		}
		*t.dst = v
	}
	return nil
}

// logger builds the library logger at the configured level.
func (g *globalFlags) logger() log.Logger {
	return log.NewZerologAdapterWithLogger(cliconfig.Logger(g.cfg.LogLevel))
}

// statusRepository addresses the status document of the configured device.
func (g *globalFlags) statusRepository() *status.FileRepository {
	return status.NewFileRepository(session.DeviceDir(g.cfg.RunDir, g.cfg.Device))
}
