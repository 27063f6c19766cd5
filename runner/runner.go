package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/shadowserver-mail/config"
	"github.com/dhcgn/shadowserver-mail/model"
	"github.com/dhcgn/shadowserver-mail/parts"
	"github.com/dhcgn/shadowserver-mail/pipeline"
	"github.com/dhcgn/shadowserver-mail/state"
	"github.com/dhcgn/shadowserver-mail/stats"
)

// Processor turns the parts of one message into events.
type Processor interface {
	Process(ctx context.Context, msgParts []model.Part, out chan<- *model.Event) error
}

// ErrStopped is returned by Start after Stop was called.
var ErrStopped = errors.New("run stopped")

type StageFunc func(context.Context) error

type stage struct {
	name string
	fn   StageFunc
}

// Runner wires a message source, the processing workers and the record
// sink together. Stages and subscribers are registered before Start; the
// first stage error cancels everything else.
type Runner struct {
	cfg    config.Config
	proc   Processor
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	queue    chan model.Message
	records  chan *model.Event

	statsSubs   []chan stats.Event
	outcomeSubs []chan model.Outcome

	tracker state.Tracker

	stages    []stage
	workWG    sync.WaitGroup
	workersWG sync.WaitGroup
	statsWG   sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(cfg config.Config, proc Processor, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	return NewWithTracker(cfg, proc, tracker, logger), nil
}

// NewWithTracker is New with a caller supplied tracker.
func NewWithTracker(cfg config.Config, proc Processor, tracker state.Tracker, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	r := &Runner{
		cfg:      cfg,
		proc:     proc,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		queue:    make(chan model.Message, workers),
		records:  make(chan *model.Event, 128),
		tracker:  tracker,
	}

	r.AddStage("bridge", r.bridge)
	for i := 0; i < workers; i++ {
		id := i
		r.workersWG.Add(1)
		r.AddStage(fmt.Sprintf("worker-%d", id), func(ctx context.Context) error {
			defer r.workersWG.Done()
			return r.work(ctx, id)
		})
	}
	r.AddStage("drain", r.drain)
	return r
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// Records yields every normalized event; it is closed once all workers are done.
func (r *Runner) Records() <-chan *model.Event {
	return r.records
}

// SubscribeOutcomes returns a channel receiving one outcome per processed
// message. It is closed once all workers are done and must be drained.
func (r *Runner) SubscribeOutcomes() <-chan model.Outcome {
	ch := make(chan model.Outcome, 32)
	r.outcomeSubs = append(r.outcomeSubs, ch)
	return ch
}

func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.statsSubs {
		select {
		case <-r.ctx.Done():
			return
		case sub <- evt:
		}
	}
}

// SubscribeStats registers fn as a consumer of every stats event.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	events := make(chan stats.Event, 128)
	r.statsSubs = append(r.statsSubs, events)

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Stop cancels a running Start.
func (r *Runner) Stop() {
	r.fail(ErrStopped)
}

// Start runs all stages and blocks until they are finished.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, s := range r.stages {
		r.workWG.Add(1)
		go func(s stage) {
			defer r.workWG.Done()
			if err := s.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", s.name, err))
			}
		}(s)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("close state: %w", err))
	}

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("run completed", "duration", duration)
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer close(r.queue)
	// hashes enqueued during this run
	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.logger.Warn("skipping unreadable message", "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeError, Err: envelope.Err})
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeScanned, MessageID: msg.ID})

			_, dup := seen[msg.Hash]
			if dup || r.tracker.AlreadyProcessed(msg.Hash) {
				r.logger.Debug("message already processed", "messageID", msg.ID)
				r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.queue <- msg:
				seen[msg.Hash] = struct{}{}
				r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeEnqueued, MessageID: msg.ID})
			}
		}
	}
}

func (r *Runner) work(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.queue:
			if !ok {
				return nil
			}

			outcome := r.handle(ctx, id, msg)
			if err := ctx.Err(); err != nil {
				return err
			}

			if outcome.OK {
				if err := r.tracker.MarkProcessed(msg.Hash, msg.ID, outcome.Records); err != nil {
					return fmt.Errorf("mark %s processed: %w", msg.ID, err)
				}
			}

			if err := r.publish(ctx, outcome); err != nil {
				return err
			}
		}
	}
}

// handle runs the processor for one message and forwards its events to
// the record stream.
func (r *Runner) handle(ctx context.Context, worker int, msg model.Message) model.Outcome {
	logger := r.logger.With("runID", uuid.NewString(), "worker", worker, "messageID", msg.ID)
	started := time.Now()
	outcome := model.Outcome{Message: msg}

	msgParts, _, err := parts.Split(msg.Raw)
	if err != nil {
		outcome.Err = fmt.Errorf("split message: %w", err)
		r.report(logger, outcome, started)
		return outcome
	}

	events := make(chan *model.Event)
	errc := make(chan error, 1)
	procCtx := pipeline.ContextWithLogger(ctx, logger)
	go func() {
		defer close(events)
		errc <- r.proc.Process(procCtx, msgParts, events)
	}()

	for evt := range events {
		select {
		case <-ctx.Done():
			// keep draining so the processor can return
		case r.records <- evt:
			outcome.Records++
		}
	}

	outcome.Err = <-errc
	outcome.OK = outcome.Err == nil
	r.report(logger, outcome, started)
	return outcome
}

func (r *Runner) report(logger *slog.Logger, outcome model.Outcome, started time.Time) {
	msgID := outcome.Message.ID
	if outcome.Records > 0 {
		r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeRecord, MessageID: msgID, Count: outcome.Records})
	}

	if outcome.OK {
		logger.Debug("message processed", "records", outcome.Records, "duration", time.Since(started))
		r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeParsed, MessageID: msgID})
		return
	}

	kind := pipeline.ErrorKind(outcome.Err)
	logger.Warn("message failed", "kind", kind, "records", outcome.Records, "err", outcome.Err)
	r.EmitEvent(stats.Event{Stage: stats.StagePipeline, Type: stats.EventTypeFailed, MessageID: msgID, Detail: kind, Err: outcome.Err})
}

func (r *Runner) publish(ctx context.Context, outcome model.Outcome) error {
	for _, sub := range r.outcomeSubs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub <- outcome:
		}
	}
	return nil
}

func (r *Runner) drain(ctx context.Context) error {
	r.workersWG.Wait()
	close(r.records)
	for _, sub := range r.outcomeSubs {
		close(sub)
	}
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.statsSubs {
			close(sub)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
