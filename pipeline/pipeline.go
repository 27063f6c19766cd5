// Package pipeline turns the parts of a report mail into normalized events.
//
// Parts are routed by content type to the CSV, zip or link handlers. The
// first part, zip member or URL that yields a parsed report ends the
// message successfully; later candidates are never attempted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
)

const (
	DefaultURLPattern      = `http[s]?://dl.shadowserver.org/\S+`
	DefaultFilenamePattern = `(?P<report_date>\d{4}-\d\d-\d\d)-(?P<report_type>[^-]*).*\..*`
	DefaultRetryCount      = 5
	DefaultRetryInterval   = 600 * time.Second
)

// Config is built once per pipeline and never mutated afterwards.
type Config struct {
	URLPattern      *regexp.Regexp
	FilenamePattern *regexp.Regexp
	RetryCount      int
	RetryInterval   time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Pipeline)

func WithFetcher(f Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

func WithSleep(fn SleepFunc) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

type Pipeline struct {
	cfg     Config
	fetcher Fetcher
	sleep   SleepFunc
	logger  *slog.Logger
}

func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.URLPattern == nil {
		return nil, fmt.Errorf("url pattern is nil")
	}
	if cfg.FilenamePattern == nil {
		return nil, fmt.Errorf("filename pattern is nil")
	}
	if cfg.RetryInterval < 0 {
		return nil, fmt.Errorf("retry interval must not be negative")
	}

	p := &Pipeline{
		cfg:    cfg,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fetcher == nil {
		p.fetcher = NewHTTPFetcher(HTTPOptions{})
	}
	return p, nil
}

// Process routes the message parts and sends every resulting event to out.
// It returns nil once a report has been parsed completely. Events sent
// before a failure stay emitted.
func (p *Pipeline) Process(ctx context.Context, msgParts []model.Part, out chan<- *model.Event) error {
	ordered := Order(msgParts)
	if len(ordered) == 0 {
		return fmt.Errorf("%w: no attachment or text part", ErrNoReport)
	}

	var lastErr error
	for idx, part := range ordered {
		err := p.dispatch(ctx, part, out)
		if err == nil {
			return nil
		}
		if abandons(err) {
			return err
		}
		filename, _ := parts.Filename(part.Inner())
		p.log(ctx).Debug("part yielded no report", "part", idx, "filename", filename, "err", err)
		lastErr = err
	}

	if errors.Is(lastErr, ErrNoReport) {
		return lastErr
	}
	return fmt.Errorf("%w: %w", ErrNoReport, lastErr)
}

type loggerKey struct{}

// ContextWithLogger attaches a logger that Process uses instead of the
// pipeline's own, typically one carrying per-message attributes.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func (p *Pipeline) log(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return p.logger
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
