package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bft-labs/rttbridge/pkg/lock"
	"github.com/bft-labs/rttbridge/pkg/status"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status document of a device",
		Long: "Print the status document of a device. The exit code is 0 when the bridge is healthy,\n" +
			"1 when it is not, and 2 when there is no readable status document.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("output must be json or yaml, got %q", output)
			}
			if _, err := g.loadConfig(cmd); err != nil {
				return err
			}

			doc, err := g.statusRepository().Load(cmd.Context())
			code := status.ExitCode(doc, err)
			if code == status.ExitNoStatus {
				return &exitError{code: code, err: err}
			}
			if err := writeDocument(cmd.OutOrStdout(), doc, output); err != nil {
				return err
			}

			// The document outlives a daemon killed with SIGKILL.
			if doc.Health.Status != status.HealthStopped {
				if held, _ := lock.Held(lock.Path(g.cfg.RunDir, g.cfg.Device)); !held {
					fmt.Fprintln(os.Stderr, "warning: no daemon holds the device lock; document is left over")
				} else if status.Stale(doc, time.Now(), 3*g.cfg.HeartbeatInterval) {
					fmt.Fprintf(os.Stderr, "warning: document not updated since %s\n", doc.LastUpdated.Format(time.RFC3339))
				}
			}
			if code != status.ExitHealthy {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json or yaml)")
	return cmd
}

func writeDocument(w io.Writer, doc status.Document, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
