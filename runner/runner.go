package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mail-classifier/classify"
	"github.com/dhcgn/mail-classifier/config"
	"github.com/dhcgn/mail-classifier/model"
	"github.com/dhcgn/mail-classifier/state"
	"github.com/dhcgn/mail-classifier/stats"
)

var ErrAlreadyStarted = errors.New("runner already started")

type StageFunc func(context.Context) error

type SubscriberFunc func(context.Context, <-chan stats.Event) error

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     SubscriberFunc
	events chan stats.Event
}

// Runner wires a message source, the classify stage and the result
// consumers together. Stages and subscribers are registered first and all
// run once Start is called.
type Runner struct {
	cfg        config.Config
	logger     *slog.Logger
	classifier *classify.Classifier

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	results  chan model.Result

	tracker state.Tracker

	mu           sync.Mutex
	stages       []stage
	subscribers  []subscriber
	source       stats.Stage
	resultsTaken bool
	started      bool

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeResultsOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

// New builds a runner around classifier. With cfg.StateDir set, messages
// classified by an earlier run are skipped.
func New(cfg config.Config, classifier *classify.Classifier, logger *slog.Logger) (*Runner, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var tracker state.Tracker = state.NewMemoryTracker()
	if cfg.StateDir != "" {
		fileTracker, err := state.NewFileTracker(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("state tracker: %w", err)
		}
		tracker = fileTracker
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		cfg:        cfg,
		logger:     logger,
		classifier: classifier,
		ctx:        ctx,
		cancel:     cancel,
		messages:   make(chan model.Envelope, 32),
		results:    make(chan model.Result, 32),
		tracker:    tracker,
		source:     stats.StageClassify,
	}

	r.AddStage(string(stats.StageClassify), r.classify)
	return r, nil
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

// Results is the classify stage output. The channel is closed once every
// message has been classified. A runner whose results are never taken
// discards them.
func (r *Runner) Results() <-chan model.Result {
	r.mu.Lock()
	r.resultsTaken = true
	r.mu.Unlock()
	return r.results
}

// EmitEvent delivers evt to every subscriber. It drops the event once the
// runner is cancelled.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.mu.Lock()
	subs := r.subscribers
	r.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive its own copy of the event stream.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.logger.Warn("subscriber registered after start ignored", "subscriber", name)
		return
	}
	r.subscribers = append(r.subscribers, subscriber{name: name, fn: fn, events: make(chan stats.Event, 128)})
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.logger.Warn("stage registered after start ignored", "stage", name)
		return
	}
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// AddSource registers the stage that feeds the mailbox channel. The
// channel is closed when fn returns and error envelopes are attributed to
// the source.
func (r *Runner) AddSource(name stats.Stage, fn StageFunc) {
	r.mu.Lock()
	r.source = name
	r.mu.Unlock()
	r.AddStage(string(name), func(ctx context.Context) error {
		defer r.CloseMailbox()
		return fn(ctx)
	})
}

// Start runs every registered stage and subscriber, waits for them and
// returns the first stage error.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	if !r.resultsTaken {
		r.stages = append(r.stages, stage{name: "discard", fn: r.discardResults})
	}
	stages := r.stages
	subs := r.subscribers
	r.mu.Unlock()

	r.since = time.Now()

	for _, sub := range subs {
		r.statsWG.Add(1)
		go func(sub subscriber) {
			defer r.statsWG.Done()
			err := sub.fn(r.ctx, sub.events)
			// Keep draining so a subscriber that returned early never blocks EmitEvent.
			for range sub.events {
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, st := range stages {
		r.workWG.Add(1)
		go func(st stage) {
			defer r.workWG.Done()
			if err := st.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", st.name, err))
			}
		}(st)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("close state: %w", err))
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration, "processed", r.tracker.Snapshot().Processed)
	return nil
}

func (r *Runner) classify(ctx context.Context) error {
	defer r.closeResults()

	r.mu.Lock()
	source := r.source
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				var id string
				if envelope.Message.UID != 0 || envelope.Message.SeqNum != 0 {
					id = envelope.Message.ID()
				}
				r.logger.Warn("message skipped", "stage", source, "messageID", id, "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: source, Type: stats.EventTypeError, MessageID: id, Err: envelope.Err})
				continue
			}

			msg := envelope.Message
			id := msg.ID()
			r.EmitEvent(stats.Event{Stage: source, Type: stats.EventTypeFetched, MessageID: id})

			if r.tracker.AlreadyProcessed(msg.Hash) {
				r.logger.Debug("message already classified", "messageID", id)
				r.EmitEvent(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeSkipped, MessageID: id})
				continue
			}

			result := r.classifier.Classify(msg)
			if result.Matched {
				r.logger.Debug("message matched", "messageID", id, "rule", result.Rule, "email", result.Email)
				r.EmitEvent(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeMatched, MessageID: id, Rule: result.Rule})
			} else {
				r.logger.Debug("message unmatched", "messageID", id, "email", result.Email)
				r.EmitEvent(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeUnmatched, MessageID: id})
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.results <- result:
			}

			if err := r.tracker.MarkProcessed(msg.Hash, id); err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeError, MessageID: id, Err: err})
				return fmt.Errorf("mark %s processed: %w", id, err)
			}
		}
	}
}

func (r *Runner) discardResults(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-r.results:
			if !ok {
				return nil
			}
		}
	}
}

func (r *Runner) closeResults() {
	r.closeResultsOnce.Do(func() {
		close(r.results)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.mu.Lock()
		subs := r.subscribers
		r.mu.Unlock()
		for _, sub := range subs {
			close(sub.events)
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
