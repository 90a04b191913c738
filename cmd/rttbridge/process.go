package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bft-labs/rttbridge/internal/cliconfig"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/stream"
)

func newProcessCmd(g *globalFlags) *cobra.Command {
	var (
		outDir       string
		follow       bool
		statePattern string
	)

	cmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Run the text processor over a captured text file",
		Long: "Run the text processor over a file of raw RTT text, writing rtt.log, rtt.jsonl and\n" +
			"rtt.csv to --out. With --follow the file is tailed until SIGINT or SIGTERM.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			if outDir == "" {
				outDir = strings.TrimSuffix(src, filepath.Ext(src)) + ".out"
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			cfg := stream.DefaultConfig(outDir)
			if statePattern != "" {
				re, err := regexp.Compile(statePattern)
				if err != nil {
					return fmt.Errorf("state pattern: %w", err)
				}
				cfg.StatePattern = re
			}
			logger := log.NewZerologAdapterWithLogger(cliconfig.Logger(g.cfg.LogLevel))
			p, err := stream.NewProcessor(cfg, stream.WithLogger(logger))
			if err != nil {
				return err
			}

			feed := func(b []byte) error {
				if _, err := p.Feed(b); err != nil {
					return err
				}
				return p.Tick()
			}
			if follow {
				ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()
				err = stream.Tail(ctx, src, feed, stream.WithTailLogger(logger))
			} else {
				err = processFile(src, feed)
			}
			if cerr := p.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p.Stats())
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: <file>.out)")
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "keep following the file")
	cmd.Flags().StringVar(&statePattern, "state-pattern", "", "regexp marking extra lines as state events")
	return cmd
}

func processFile(path string, feed func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if ferr := feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
