package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dhcgn/mail-classifier/classify"
	"github.com/dhcgn/mail-classifier/config"
	"github.com/dhcgn/mail-classifier/model"
	"github.com/dhcgn/mail-classifier/rules"
	"github.com/dhcgn/mail-classifier/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClassifier() *classify.Classifier {
	return classify.New(rules.New(
		rules.Rule{Name: "billing", Sender: "@billing.example.com"},
		rules.Rule{Name: "newsletter", Header: "%weekly%"},
	))
}

type recorder struct {
	mu     sync.Mutex
	events []stats.Event
}

func (rec *recorder) consume(ctx context.Context, events <-chan stats.Event) error {
	for evt := range events {
		rec.mu.Lock()
		rec.events = append(rec.events, evt)
		rec.mu.Unlock()
	}
	return nil
}

func (rec *recorder) count(typ stats.EventType) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := 0
	for _, evt := range rec.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func source(r *Runner, envelopes ...model.Envelope) StageFunc {
	return func(ctx context.Context) error {
		for _, env := range envelopes {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.MailboxWriter() <- env:
			}
		}
		return nil
	}
}

func message(seq uint32, hash, raw string) model.Envelope {
	return model.Envelope{Message: model.RawMessage{SeqNum: seq, Hash: hash, Raw: []byte(raw)}}
}

func TestRunner_ClassifiesAndReports(t *testing.T) {
	r, err := New(config.Config{}, testClassifier(), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r.AddSource(stats.StageMbox, source(r,
		message(1, "h1", "From: AP <ap@billing.example.com>\nSubject: Invoice\n"),
		message(2, "h2", "From: news@example.net\nSubject: Weekly digest\n"),
		model.Envelope{Err: errors.New("broken framing")},
		message(3, "h3", "From: friend@example.org\nSubject: hi\n"),
	))

	var results []model.Result
	resultsCh := r.Results()
	r.AddStage("collect", func(ctx context.Context) error {
		for res := range resultsCh {
			results = append(results, res)
		}
		return nil
	})

	first, second := &recorder{}, &recorder{}
	r.SubscribeStats("first", first.consume)
	r.SubscribeStats("second", second.consume)

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(results), results)
	}
	wantRules := []string{"billing", "newsletter", ""}
	for i, res := range results {
		if res.Rule != wantRules[i] {
			t.Errorf("result %d rule = %q, want %q", i, res.Rule, wantRules[i])
		}
		if res.SeqNum != uint32(i+1) {
			t.Errorf("result %d seq = %d, want %d", i, res.SeqNum, i+1)
		}
	}

	for name, rec := range map[string]*recorder{"first": first, "second": second} {
		if got := rec.count(stats.EventTypeFetched); got != 3 {
			t.Errorf("%s subscriber saw %d fetched events, want 3", name, got)
		}
		if got := rec.count(stats.EventTypeMatched); got != 2 {
			t.Errorf("%s subscriber saw %d matched events, want 2", name, got)
		}
		if got := rec.count(stats.EventTypeUnmatched); got != 1 {
			t.Errorf("%s subscriber saw %d unmatched events, want 1", name, got)
		}
		if got := rec.count(stats.EventTypeError); got != 1 {
			t.Errorf("%s subscriber saw %d error events, want 1", name, got)
		}
	}
}

func TestRunner_SkipsProcessedAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	msgs := []model.Envelope{
		message(1, "same-hash", "From: a@billing.example.com\n"),
		message(2, "other-hash", "From: b@example.org\n"),
	}

	run := func() *recorder {
		r, err := New(config.Config{StateDir: dir}, testClassifier(), testLogger())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		r.AddSource(stats.StageMbox, source(r, msgs...))
		rec := &recorder{}
		r.SubscribeStats("recorder", rec.consume)
		if err := r.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		return rec
	}

	first := run()
	if got := first.count(stats.EventTypeSkipped); got != 0 {
		t.Errorf("first run skipped %d messages, want 0", got)
	}

	second := run()
	if got := second.count(stats.EventTypeSkipped); got != 2 {
		t.Errorf("second run skipped %d messages, want 2", got)
	}
	if got := second.count(stats.EventTypeMatched) + second.count(stats.EventTypeUnmatched); got != 0 {
		t.Errorf("second run classified %d messages, want 0", got)
	}
}

func TestRunner_StageErrorIsReturned(t *testing.T) {
	r, err := New(config.Config{}, testClassifier(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("login failed")
	r.AddSource(stats.StageIMAP, func(ctx context.Context) error {
		return boom
	})

	err = r.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}

	if err := r.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestRunner_SubscriberReturningEarlyDoesNotBlock(t *testing.T) {
	r, err := New(config.Config{}, testClassifier(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var envelopes []model.Envelope
	for i := uint32(1); i <= 300; i++ {
		envelopes = append(envelopes, message(i, "", "From: x@example.com\n"))
	}
	r.AddSource(stats.StageMbox, source(r, envelopes...))
	r.SubscribeStats("quitter", func(ctx context.Context, events <-chan stats.Event) error {
		<-events
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestNew_NilClassifier(t *testing.T) {
	if _, err := New(config.Config{}, nil, nil); err == nil {
		t.Fatal("New() error = nil, want error")
	}
}
