package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/bft-labs/rttbridge/pkg/lock"
)

const stopPoll = 50 * time.Millisecond

func newStopCmd(g *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		kill    bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon bridging a device",
		Long:  "Stop sends SIGTERM to the process holding the device lock and waits until the lock is released.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.loadConfig(cmd); err != nil {
				return err
			}
			path := lock.Path(g.cfg.RunDir, g.cfg.Device)

			held, err := lock.Held(path)
			if err != nil {
				return err
			}
			if !held {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not running\n", g.cfg.Device)
				return nil
			}
			pid, alive, err := lock.Holder(path)
			if err != nil {
				return err
			}
			if pid == 0 || !alive {
				return fmt.Errorf("lock %s is held but records no live pid", path)
			}

			if err := unix.Kill(pid, unix.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			if waitReleased(path, timeout) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped (pid %d)\n", g.cfg.Device, pid)
				return nil
			}
			if !kill {
				return &exitError{code: 1, err: fmt.Errorf("pid %d did not stop within %s", pid, timeout)}
			}
			if err := unix.Kill(pid, unix.SIGKILL); err != nil {
				return fmt.Errorf("kill pid %d: %w", pid, err)
			}
			if !waitReleased(path, timeout) {
				return &exitError{code: 1, err: fmt.Errorf("pid %d still holds %s", pid, path)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: killed (pid %d)\n", g.cfg.Device, pid)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the lock to be released")
	cmd.Flags().BoolVar(&kill, "kill", false, "send SIGKILL after the timeout")
	return cmd
}

// waitReleased polls until nobody holds the lock at path.
func waitReleased(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if held, err := lock.Held(path); err == nil && !held {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(stopPoll)
	}
}
