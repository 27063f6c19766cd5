package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"testing"

	"github.com/dhcgn/shadowserver-mail/config"
	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
	"github.com/dhcgn/shadowserver-mail/pipeline"
	"github.com/dhcgn/shadowserver-mail/state"
	"github.com/dhcgn/shadowserver-mail/stats"
)

// lineProcessor emits one event per body line and fails on "fail".
type lineProcessor struct{}

func (lineProcessor) Process(ctx context.Context, msgParts []model.Part, out chan<- *model.Event) error {
	for _, part := range msgParts {
		for _, line := range bytes.Split(bytes.TrimSpace(part.Body), []byte("\n")) {
			line = bytes.TrimSpace(line)
			if string(line) == "fail" {
				return fmt.Errorf("%w: test failure", pipeline.ErrNoReport)
			}
			evt := model.NewEvent()
			evt.Add("line", string(line))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- evt:
			}
		}
	}
	return nil
}

func rawMessage(t *testing.T, id, body string) model.Message {
	t.Helper()
	msg, err := parts.NewMessage([]byte("Message-Id: <" + id + ">\r\nSubject: test\r\n\r\n" + body))
	if err != nil {
		t.Fatalf("NewMessage(%s) error = %v", id, err)
	}
	return msg
}

type harness struct {
	runner    *Runner
	collector *stats.Collector

	mu       sync.Mutex
	records  []*model.Event
	outcomes []model.Outcome
}

func newHarness(t *testing.T, workers int, tracker state.Tracker, envelopes []model.Envelope) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewWithTracker(config.Config{Workers: workers}, lineProcessor{}, tracker, logger)

	h := &harness{runner: r, collector: stats.NewCollector()}
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		h.collector.Run(ctx, events)
		return nil
	})

	outcomes := r.SubscribeOutcomes()
	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseMailbox()
		for _, env := range envelopes {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.MailboxWriter() <- env:
			}
		}
		return nil
	})
	r.AddStage("sink", func(ctx context.Context) error {
		for evt := range r.Records() {
			h.mu.Lock()
			h.records = append(h.records, evt)
			h.mu.Unlock()
		}
		return nil
	})
	r.AddStage("outcomes", func(ctx context.Context) error {
		for outcome := range outcomes {
			h.mu.Lock()
			h.outcomes = append(h.outcomes, outcome)
			h.mu.Unlock()
		}
		return nil
	})
	return h
}

func TestRunner_ProcessesMessages(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			tracker := state.NewMemoryTracker()
			ok := rawMessage(t, "ok@example.org", "a\nb\n")
			bad := rawMessage(t, "bad@example.org", "x\nfail\n")
			other := rawMessage(t, "other@example.org", "c\n")

			h := newHarness(t, workers, tracker, []model.Envelope{
				{Message: ok},
				{Message: bad},
				{Message: ok},
				{Err: errors.New("unreadable")},
				{Message: other},
			})
			if err := h.runner.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			var lines []string
			for _, evt := range h.records {
				lines = append(lines, evt.Values("line")...)
			}
			sort.Strings(lines)
			want := []string{"a", "b", "c", "x"}
			if fmt.Sprint(lines) != fmt.Sprint(want) {
				t.Errorf("records = %v, want %v", lines, want)
			}

			if len(h.outcomes) != 3 {
				t.Fatalf("got %d outcomes, want 3", len(h.outcomes))
			}
			for _, outcome := range h.outcomes {
				wantOK := outcome.Message.ID != "bad@example.org"
				if outcome.OK != wantOK {
					t.Errorf("outcome %s OK = %v, want %v (err %v)", outcome.Message.ID, outcome.OK, wantOK, outcome.Err)
				}
			}

			if !tracker.AlreadyProcessed(ok.Hash) || !tracker.AlreadyProcessed(other.Hash) {
				t.Error("successful messages must be tracked")
			}
			if tracker.AlreadyProcessed(bad.Hash) {
				t.Error("failed message must not be tracked")
			}

			summary := h.collector.Snapshot()
			if summary.Scanned != 4 || summary.Duplicates != 1 || summary.Enqueued != 3 {
				t.Errorf("unexpected counters: %+v", summary)
			}
			if summary.Parsed != 2 || summary.Failed != 1 || summary.Failures["no_report"] != 1 {
				t.Errorf("unexpected outcome counters: %+v", summary)
			}
			if summary.Records != 4 || summary.Errors != 1 {
				t.Errorf("records = %d errors = %d", summary.Records, summary.Errors)
			}
		})
	}
}

func TestRunner_SkipsTrackedMessages(t *testing.T) {
	tracker := state.NewMemoryTracker()
	msg := rawMessage(t, "seen@example.org", "a\n")
	if err := tracker.MarkProcessed(msg.Hash, msg.ID, 1); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, 1, tracker, []model.Envelope{{Message: msg}})
	if err := h.runner.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if len(h.records) != 0 || len(h.outcomes) != 0 {
		t.Errorf("tracked message was processed again: %d records, %d outcomes", len(h.records), len(h.outcomes))
	}
	if got := h.collector.Snapshot().Duplicates; got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
}

func TestRunner_StageErrorCancels(t *testing.T) {
	tracker := state.NewMemoryTracker()
	h := newHarness(t, 2, tracker, nil)
	boom := errors.New("mailbox unreachable")
	h.runner.AddStage("broken", func(ctx context.Context) error {
		return boom
	})

	err := h.runner.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
}

func TestRunner_Stop(t *testing.T) {
	tracker := state.NewMemoryTracker()
	h := newHarness(t, 1, tracker, nil)
	h.runner.AddStage("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.runner.AddStage("stopper", func(ctx context.Context) error {
		h.runner.Stop()
		return nil
	})

	if err := h.runner.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() error = %v, want %v", err, ErrStopped)
	}
}

type staticFetcher struct {
	dl pipeline.Download
}

func (f staticFetcher) Fetch(ctx context.Context, url string) (pipeline.Download, error) {
	return f.dl, nil
}

func TestRunner_PipelineLogsCarryMessageAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	proc, err := pipeline.New(pipeline.Config{
		URLPattern:      regexp.MustCompile(pipeline.DefaultURLPattern),
		FilenamePattern: regexp.MustCompile(pipeline.DefaultFilenamePattern),
	},
		pipeline.WithFetcher(staticFetcher{dl: pipeline.Download{Filename: "2014-05-02-scan-US.csv", Body: []byte("ip\n1.2.3.4\n")}}),
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}

	r := NewWithTracker(config.Config{Workers: 2}, proc, state.NewMemoryTracker(), logger)
	msgs := []model.Envelope{
		{Message: rawMessage(t, "one@example.org", "https://dl.shadowserver.org/one\n")},
		{Message: rawMessage(t, "two@example.org", "https://dl.shadowserver.org/two\n")},
	}
	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseMailbox()
		for _, env := range msgs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.MailboxWriter() <- env:
			}
		}
		return nil
	})
	r.AddStage("sink", func(ctx context.Context) error {
		for range r.Records() {
		}
		return nil
	})
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	fetchLines := map[string]string{}
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		if line["msg"] != "fetching URL" {
			continue
		}
		msgID, _ := line["messageID"].(string)
		runID, _ := line["runID"].(string)
		if runID == "" {
			t.Errorf("pipeline line without runID: %v", line)
		}
		fetchLines[msgID] = line["url"].(string)
	}

	want := map[string]string{
		"one@example.org": "https://dl.shadowserver.org/one",
		"two@example.org": "https://dl.shadowserver.org/two",
	}
	if fmt.Sprint(fetchLines) != fmt.Sprint(want) {
		t.Errorf("fetch lines by message = %v, want %v", fetchLines, want)
	}
}
