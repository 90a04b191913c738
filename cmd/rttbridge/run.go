package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bft-labs/rttbridge/internal/cliconfig"
	"github.com/bft-labs/rttbridge/pkg/bridge"
	"github.com/bft-labs/rttbridge/pkg/lock"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/plugins/configwatcher"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		stdin       bool
		downChannel int
		noRetention bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge for one device in the foreground",
		Long: "Run the bridge in the foreground until SIGINT or SIGTERM, or until the target is lost.\n" +
			"Editing the config file restarts the session with the new settings.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := g.cfg
			cfgFile, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := g.logger()
			logConfig(logger, g.cfg, cfgFile)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var lines <-chan []byte
			if stdin {
				lines = readLines(ctx, os.Stdin)
			}

			r := &runner{
				g:           g,
				base:        base,
				cmd:         cmd,
				cfgFile:     cfgFile,
				logger:      logger,
				lines:       lines,
				downChannel: downChannel,
				retention:   !noRetention,
			}
			return r.loop(ctx)
		},
	}

	addTargetFlags(cmd.Flags(), &g.cfg)
	cmd.Flags().BoolVar(&stdin, "stdin", false, "forward lines read from stdin to the target")
	cmd.Flags().IntVar(&downChannel, "down-channel", 0, "down channel used by --stdin")
	cmd.Flags().BoolVar(&noRetention, "no-retention", false, "never prune archived captures and rotated logs")
	return cmd
}

// runner owns the bridge across config reloads.
type runner struct {
	g           *globalFlags
	base        cliconfig.Config // defaults plus flags, before file and env
	cmd         *cobra.Command
	cfgFile     string
	logger      log.Logger
	lines       <-chan []byte
	downChannel int
	retention   bool
}

func (r *runner) loop(ctx context.Context) error {
	for {
		reload := make(chan struct{}, 1)
		b, err := r.newBridge(reload)
		if err != nil {
			return fmt.Errorf("create bridge: %w", err)
		}
		if err := b.Start(ctx); err != nil {
			var held *lock.HeldError
			if errors.As(err, &held) {
				return &exitError{code: 1, err: fmt.Errorf("device %s is already bridged (pid %d)", r.g.cfg.Device, held.PID)}
			}
			return fmt.Errorf("start bridge: %w", err)
		}

		reloading, err := r.serve(ctx, b, reload)
		if !reloading {
			return err
		}

		r.logger.Info("config changed, restarting session")
		r.g.cfg = r.base
		if _, err := r.g.loadConfig(r.cmd); err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
	}
}

// serve blocks until the bridge finishes, a signal arrives, or the config
// file changes. It reports whether the caller should start over.
func (r *runner) serve(ctx context.Context, b *bridge.Bridge, reload <-chan struct{}) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("received signal, stopping...")
			return false, b.Stop()

		case <-b.Done():
			// The session ended on its own: target lost or fatal error.
			err := b.Stop()
			if err != nil {
				r.logger.Error("session failed", log.Err(err))
			}
			return false, err

		case <-reload:
			if err := b.Stop(); err != nil {
				return false, err
			}
			return true, nil

		case line, ok := <-r.lines:
			if !ok {
				r.lines = nil
				continue
			}
			if _, err := b.Send(ctx, r.downChannel, line); err != nil {
				r.logger.Warn("stdin write failed", log.Err(err))
			}
		}
	}
}

func (r *runner) newBridge(reload chan<- struct{}) (*bridge.Bridge, error) {
	opts := []bridge.Option{
		bridge.WithLogger(r.logger),
		bridge.WithConfigPath(r.cfgFile),
	}
	if r.cfgFile != "" {
		opts = append(opts, configwatcher.WithConfigWatcher(configwatcher.Config{
			OnChange: func(string) {
				select {
				case reload <- struct{}{}:
				default:
				}
			},
		}))
	}
	if r.retention {
		opts = append(opts, bridge.WithRetentionConfig(bridge.DefaultRetentionConfig()))
	}
	return bridge.New(r.g.cfg.SessionConfig(), opts...)
}

// readLines forwards stdin line by line, newline included.
func readLines(ctx context.Context, f *os.File) <-chan []byte {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := append(append([]byte(nil), sc.Bytes()...), '\n')
			select {
			case ch <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func logConfig(logger log.Logger, cfg cliconfig.Config, cfgFile string) {
	logger.Info("configuration",
		log.String("device", cfg.Device),
		log.String("backend", cfg.Backend),
		log.String("chip", cfg.Chip),
		log.String("probe", cfg.Probe),
		log.String("run_dir", cfg.RunDir),
		log.Any("channels", cfg.Channels),
		log.Any("capture", cfg.CaptureChannels),
		log.String("config_file", cfgFile),
	)
}
