package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bft-labs/rttbridge/pkg/capture"
)

var convertExt = map[string]string{
	"csv":      ".csv",
	"columnar": ".cbor",
	"wav":      ".wav",
}

func newConvertCmd() *cobra.Command {
	var (
		format      string
		out         string
		compression string
		channel     int
	)

	cmd := &cobra.Command{
		Use:   "convert <capture.rttb>",
		Short: "Convert a capture artifact to CSV, columnar CBOR or WAV",
		Long: "Convert a capture artifact. A truncated final frame is reported and ignored.\n" +
			"The output defaults to the artifact path with the format's extension; - writes to stdout.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, ok := convertExt[format]
			if !ok {
				return fmt.Errorf("format must be csv, columnar or wav, got %q", format)
			}
			comp, err := capture.ParseCompression(compression)
			if err != nil {
				return err
			}

			src := args[0]
			r, err := capture.Open(src)
			if err != nil {
				return err
			}
			defer r.Close()

			if out == "" {
				out = strings.TrimSuffix(src, filepath.Ext(src)) + ext
			}
			w, closeOut, err := openOutput(cmd, out)
			if err != nil {
				return err
			}

			var summary string
			switch format {
			case "csv":
				n, cerr := capture.ExportCSV(r, w)
				err, summary = cerr, fmt.Sprintf("%d frames", n)
			case "columnar":
				c, cerr := capture.ExportColumnar(r, w, comp)
				err = cerr
				if c != nil {
					summary = fmt.Sprintf("%d channels, %s", len(c.Channels), comp)
				}
			case "wav":
				n, cerr := capture.ExportWAV(r, w, channel)
				err, summary = cerr, fmt.Sprintf("%d samples from channel %d", n, channel)
			}
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			if r.Truncated() {
				fmt.Fprintln(os.Stderr, "warning: artifact ends in a truncated frame")
			}
			if out != "-" {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", out, summary)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv, columnar, wav)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path, - for stdout")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "columnar compression (none, zstd, lz4)")
	cmd.Flags().IntVar(&channel, "channel", 1, "channel exported to WAV")
	return cmd
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
