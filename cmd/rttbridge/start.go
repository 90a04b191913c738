package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bft-labs/rttbridge/pkg/lock"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/session"
	"github.com/bft-labs/rttbridge/pkg/status"
)

// DaemonLogFile receives the detached daemon's stdout and stderr.
const DaemonLogFile = "daemon.log"

const startPoll = 100 * time.Millisecond

func newStartCmd(g *globalFlags) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a detached bridge and wait for it to become healthy",
		Long: "Start runs the bridge in a new session, detached from the terminal, and waits up to --wait\n" +
			"for the status document to report a healthy connection. The exit code is the health\n" +
			"check of the last document seen: 0 healthy, 1 unhealthy, 2 no status.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.loadConfig(cmd); err != nil {
				return err
			}
			logger := g.logger()

			lockPath := lock.Path(g.cfg.RunDir, g.cfg.Device)
			if held, _ := lock.Held(lockPath); held {
				pid, _, _ := lock.Holder(lockPath)
				return &exitError{code: 1, err: fmt.Errorf("device %s is already bridged (pid %d)", g.cfg.Device, pid)}
			}

			child, err := spawnDaemon(g, os.Args[1:])
			if err != nil {
				return err
			}
			logger.Info("daemon started", log.Int("pid", child.Process.Pid))

			exited := make(chan error, 1)
			go func() { exited <- child.Wait() }()

			doc, lerr := waitHealthy(cmd.Context(), g.statusRepository(), child.Process.Pid, wait, exited)
			code := status.ExitCode(doc, lerr)
			if code != status.ExitHealthy {
				reason := status.Check(doc, lerr)
				return &exitError{code: code, err: fmt.Errorf("daemon not healthy: %v (see %s)", reason, daemonLog(g))}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (pid %d)\n", g.cfg.Device, doc.Health.Status, doc.Daemon.PID)
			return nil
		},
	}

	addTargetFlags(cmd.Flags(), &g.cfg)
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the daemon to become healthy")
	return cmd
}

// spawnDaemon re-executes this binary as `run` in a new session. args are
// the original arguments; the command name and --wait are replaced.
func spawnDaemon(g *globalFlags, args []string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}

	dir := session.DeviceDir(g.cfg.RunDir, g.cfg.Device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out, err := os.OpenFile(daemonLog(g), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	argv := append([]string{"run"}, daemonArgs(args)...)
	// The daemon must address the same device even when it was derived.
	argv = append(argv, "--device", g.cfg.Device, "--run-dir", g.cfg.RunDir)

	child := exec.Command(self, argv...)
	child.Stdout = out
	child.Stderr = out
	child.Dir = "/"
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("spawn daemon: %w", err)
	}
	return child, nil
}

// daemonArgs drops the subcommand and the start-only flags.
func daemonArgs(args []string) []string {
	var out []string
	skip, named := false, false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		switch {
		case !named && a == "start":
			named = true
		case a == "--wait":
			skip = true
		case strings.HasPrefix(a, "--wait="):
		default:
			out = append(out, a)
		}
	}
	return out
}

// waitHealthy polls the status document written by pid. It returns as
// soon as the document is healthy, reports an error marker, or the daemon
// exits, and otherwise after wait with the last document seen.
func waitHealthy(ctx context.Context, repo status.Repository, pid int, wait time.Duration, exited <-chan error) (status.Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(startPoll)
	defer ticker.Stop()

	var (
		doc status.Document
		err = status.ErrNotFound
	)
	for {
		select {
		case <-ctx.Done():
			return doc, err
		case <-deadline.C:
			return doc, err
		case werr := <-exited:
			// Read what the daemon left behind: an error marker explains
			// the exit better than the exit status does.
			if d, lerr := repo.Load(context.Background()); lerr == nil && d.Daemon.PID == pid {
				return d, nil
			}
			if werr == nil {
				werr = errors.New("daemon exited")
			}
			return doc, fmt.Errorf("%w: %v", status.ErrNotFound, werr)
		case <-ticker.C:
			d, lerr := repo.Load(ctx)
			if lerr != nil {
				if !errors.Is(lerr, status.ErrNotFound) {
					doc, err = d, lerr
				}
				continue
			}
			// A document from an earlier daemon says nothing about this one.
			if d.Daemon.PID != pid {
				continue
			}
			doc, err = d, nil
			if status.Healthy(d, nil) || d.Error != nil {
				return doc, err
			}
		}
	}
}

func daemonLog(g *globalFlags) string {
	return filepath.Join(session.DeviceDir(g.cfg.RunDir, g.cfg.Device), DaemonLogFile)
}
