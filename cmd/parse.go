package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/shadowserver-mail/config"
	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
	"github.com/dhcgn/shadowserver-mail/pipeline"
	"github.com/dhcgn/shadowserver-mail/sink"
)

// NewParseCommand returns the command extracting report records from single
// RFC 5322 message files.
func NewParseCommand(newLogger LoggerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <file.eml>...",
		Short: "Extract report records from single message files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadParseConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			pcfg, err := cfg.PipelineConfig()
			if err != nil {
				return err
			}
			fetcher := pipeline.NewHTTPFetcher(pipeline.HTTPOptions{Timeout: cfg.FetchTimeout})
			p, err := pipeline.New(pcfg, pipeline.WithFetcher(fetcher), pipeline.WithLogger(logger))
			if err != nil {
				return err
			}

			w, err := sink.Open(cfg.Output)
			if err != nil {
				return err
			}
			defer w.Close()

			failed := 0
			for _, path := range args {
				n, err := parseFile(cmd.Context(), p, w, path)
				if err != nil {
					failed++
					logger.Error("parse failed", "file", path, "kind", pipeline.ErrorKind(err), "records", n, "err", err)
					continue
				}
				logger.Info("parsed report mail", "file", path, "records", n)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files yielded no report", failed, len(args))
			}
			return nil
		},
	}

	config.RegisterParseFlags(cmd)
	return cmd
}

// parseFile runs the pipeline on one message file and writes its records.
func parseFile(ctx context.Context, p *pipeline.Pipeline, w *sink.Writer, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	msgParts, _, err := parts.Split(raw)
	if err != nil {
		return 0, fmt.Errorf("split %s: %w", path, err)
	}

	events := make(chan *model.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		errc <- p.Process(ctx, msgParts, events)
	}()

	written := 0
	var writeErr error
	for evt := range events {
		if writeErr != nil {
			continue
		}
		if writeErr = w.Write(evt); writeErr == nil {
			written++
		}
	}

	if err := <-errc; err != nil {
		return written, err
	}
	return written, writeErr
}
