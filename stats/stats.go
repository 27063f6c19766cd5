package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageMbox     Stage = "mbox"
	StageIMAP     Stage = "imap"
	StagePipeline Stage = "pipeline"
	StageSink     Stage = "sink"
)

type EventType string

const (
	EventTypeScanned    EventType = "scanned"
	EventTypeDuplicate  EventType = "duplicate"
	EventTypeEnqueued   EventType = "enqueued"
	EventTypeParsed     EventType = "parsed"
	EventTypeFailed     EventType = "failed"
	EventTypeRecord     EventType = "record"
	EventTypeMarkedSeen EventType = "marked_seen"
	EventTypeError      EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	// Count defaults to 1 when zero.
	Count  int
	Err    error
	Detail string
}

type Summary struct {
	Scanned    int   `json:"scanned"`
	Duplicates int   `json:"duplicates"`
	Enqueued   int   `json:"enqueued"`
	Parsed     int   `json:"parsed"`
	Failed     int   `json:"failed"`
	Records    int   `json:"records"`
	MarkedSeen int   `json:"marked_seen"`
	Errors     int   `json:"errors"`
	LastError  error `json:"-"`

	// Failures counts failed messages by error kind.
	Failures map[string]int `json:"failures,omitempty"`
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"duplicates", s.Duplicates,
		"enqueued", s.Enqueued,
		"parsed", s.Parsed,
		"failed", s.Failed,
		"records", s.Records,
		"markedSeen", s.MarkedSeen,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	if c.summary.Failures != nil {
		summary.Failures = make(map[string]int, len(c.summary.Failures))
		for k, v := range c.summary.Failures {
			summary.Failures[k] = v
		}
	}
	return summary
}

func (c *Collector) Apply(evt Event) {
	n := evt.Count
	if n == 0 {
		n = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned += n
	case EventTypeDuplicate:
		c.summary.Duplicates += n
	case EventTypeEnqueued:
		c.summary.Enqueued += n
	case EventTypeParsed:
		c.summary.Parsed += n
	case EventTypeFailed:
		c.summary.Failed += n
		if evt.Detail != "" {
			if c.summary.Failures == nil {
				c.summary.Failures = make(map[string]int)
			}
			c.summary.Failures[evt.Detail] += n
		}
	case EventTypeRecord:
		c.summary.Records += n
	case EventTypeMarkedSeen:
		c.summary.MarkedSeen += n
	case EventTypeError:
		c.summary.Errors += n
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Uptime is the time since the reporter was created.
func (r *Reporter) Uptime() time.Duration {
	return time.Since(r.started)
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
