package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/shadowserver-mail/cmd"
	"github.com/dhcgn/shadowserver-mail/config"
	"github.com/dhcgn/shadowserver-mail/filter"
	"github.com/dhcgn/shadowserver-mail/imap"
	"github.com/dhcgn/shadowserver-mail/mbox"
	"github.com/dhcgn/shadowserver-mail/pipeline"
	"github.com/dhcgn/shadowserver-mail/progress"
	"github.com/dhcgn/shadowserver-mail/runner"
	"github.com/dhcgn/shadowserver-mail/sink"
	"github.com/dhcgn/shadowserver-mail/stats"
	"github.com/dhcgn/shadowserver-mail/status"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shadowserver-mail",
		Short: "Collect Shadowserver reports from a mailbox and emit them as JSON records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting shadowserver-mail", "source", source(cfg), "filter", cfg.Filter, "workers", cfg.Workers, "dryRun", cfg.DryRun)

			return run(cmd.Context(), cfg, logger)
		},
		SilenceUsage: true,
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewParseCommand(setupLogger))
	rootCmd.AddCommand(cmd.NewScanCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	fetcher := pipeline.NewHTTPFetcher(pipeline.HTTPOptions{Timeout: cfg.FetchTimeout})
	proc, err := pipeline.New(pcfg, pipeline.WithFetcher(fetcher), pipeline.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("pipeline.New: %w", err)
	}

	criteria, err := filter.Parse(cfg.Filter)
	if err != nil {
		return err
	}

	r, err := runner.New(cfg, proc, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stopOnSignal := context.AfterFunc(ctx, func() {
		logger.Warn("interrupted, stopping")
		r.Stop()
	})
	defer stopOnSignal()

	reporter := stats.NewReporter(r, logger)

	if cfg.StatusAddr != "" {
		srv, err := status.Start(cfg.StatusAddr, reporter, logger)
		if err != nil {
			return fmt.Errorf("status endpoint: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	w, err := sink.Open(cfg.Output)
	if err != nil {
		return err
	}
	defer w.Close()
	sink.Attach(w, r, logger)

	if cfg.UsesIMAP() {
		opts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
			Filter:             criteria,
			DryRun:             cfg.DryRun,
		}
		if _, err := imap.NewSource(opts, r, logger); err != nil {
			return fmt.Errorf("imap.NewSource: %w", err)
		}
		return r.Start()
	}

	total, err := mbox.CountMessages(cfg.MboxPath)
	if err != nil {
		return fmt.Errorf("count mbox messages: %w", err)
	}
	progress.NewProgressReporter(r, progress.New(total, cfg.LogLevel), logger)

	if _, err := mbox.NewProducer(mbox.Options{Path: cfg.MboxPath, Filter: criteria}, r, logger); err != nil {
		return fmt.Errorf("mbox.NewProducer: %w", err)
	}

	return r.Start()
}

func source(cfg config.Config) string {
	if cfg.UsesIMAP() {
		return fmt.Sprintf("imap://%s/%s", cfg.IMAPHost, cfg.Mailbox)
	}
	return cfg.MboxPath
}

// setupLogger writes to stderr; stdout carries the records by default.
func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("shadowserver-mail-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
