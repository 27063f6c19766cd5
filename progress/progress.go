package progress

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/shadowserver-mail/stats"
)

// Bar manages a progress bar for tracking message processing. Output goes to
// stderr so records on stdout stay machine readable.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	out     io.Writer
	total   int
	scanned int
	mu      sync.Mutex
	enabled bool
}

// New creates a new progress bar if logLevel is "info".
func New(total int, logLevel string) *Bar {
	bar := &Bar{
		out:     os.Stderr,
		total:   total,
		enabled: logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pterm.Info.WithWriter(bar.out).Printf("Messages in mbox: %d\n", total)

		pb, _ := pterm.DefaultProgressbar.
			WithWriter(bar.out).
			WithTotal(total).
			WithTitle("Processing messages").
			Start()
		bar.pb = pb
	}

	return bar
}

// Enabled reports whether the bar is drawn.
func (b *Bar) Enabled() bool {
	return b.enabled
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.scanned++
		b.pb.Increment()

		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Processing: " + displayID)
		}
	case stats.EventTypeFailed:
		if evt.Err != nil {
			pterm.Warning.WithWriter(b.out).Printf("%s: %v\n", evt.MessageID, evt.Err)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.WithWriter(b.out).Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// filtered messages are never scanned
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	pterm.Success.WithWriter(b.out).Println("Processing complete!")
}

// Subscriber is a stats subscriber that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter pairs the bar with a collector printing a final summary.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and its summary printer when the
// bar is enabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	pr.print(pr.collector.Snapshot(), time.Since(pr.started))
	return nil
}

func (pr *ProgressReporter) print(summary stats.Summary, duration time.Duration) {
	out := pr.bar.out
	info := pterm.Info.WithWriter(out)

	pterm.Fprintln(out)
	pterm.DefaultSection.WithWriter(out).Println("Summary Statistics")
	info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	info.Printf("Scanned: %d\n", summary.Scanned)
	info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	info.Printf("Parsed: %d\n", summary.Parsed)
	info.Printf("Failed: %d\n", summary.Failed)
	info.Printf("Records: %d\n", summary.Records)

	kinds := make([]string, 0, len(summary.Failures))
	for kind := range summary.Failures {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		pterm.Warning.WithWriter(out).Printf("  %s: %d\n", kind, summary.Failures[kind])
	}

	info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.WithWriter(out).Printf("Last error: %v\n", summary.LastError)
	}
}
