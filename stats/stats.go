package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageIMAP     Stage = "imap"
	StageMbox     Stage = "mbox"
	StageClassify Stage = "classify"
	StageReport   Stage = "report"
)

type EventType string

const (
	EventTypeSearched  EventType = "searched"
	EventTypeFetched   EventType = "fetched"
	EventTypeSkipped   EventType = "skipped"
	EventTypeMatched   EventType = "matched"
	EventTypeUnmatched EventType = "unmatched"
	EventTypeReported  EventType = "reported"
	EventTypeError     EventType = "error"
)

// Event is emitted by the pipeline stages. Rule is set for matched events,
// Count for searched events.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Rule      string
	Count     int
	Err       error
}

type Summary struct {
	Found     int
	Fetched   int
	Skipped   int
	Matched   int
	Unmatched int
	Reported  int
	Errors    int
	LastError error
	RuleHits  map[string]int
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"found", s.Found,
		"fetched", s.Fetched,
		"skipped", s.Skipped,
		"matched", s.Matched,
		"unmatched", s.Unmatched,
		"reported", s.Reported,
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
	return &Collector{summary: Summary{RuleHits: make(map[string]int)}}
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

// Snapshot returns a copy that is safe to read while collection continues.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	summary.RuleHits = maps.Clone(c.summary.RuleHits)
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeSearched:
		c.summary.Found += evt.Count
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeMatched:
		c.summary.Matched++
		c.summary.RuleHits[evt.Rule]++
	case EventTypeUnmatched:
		c.summary.Unmatched++
	case EventTypeReported:
		c.summary.Reported++
	case EventTypeError:
		c.summary.Errors++
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
		for _, rc := range TopRules(summary.RuleHits, 5) {
			r.logger.Info("rule hits", "rule", rc.Rule, "count", rc.Count)
		}
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// RuleCount is one entry of a rule hit ranking.
type RuleCount struct {
	Rule  string
	Count int
}

// TopRules ranks rules by hit count, ties broken by name. A limit of zero
// or less returns every rule.
func TopRules(hits map[string]int, limit int) []RuleCount {
	ranked := make([]RuleCount, 0, len(hits))
	for rule, count := range hits {
		ranked = append(ranked, RuleCount{Rule: rule, Count: count})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Rule < ranked[j].Rule
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// PrintTop writes the top entries of a rule hit ranking to w.
func PrintTop(w io.Writer, hits map[string]int, limit int) {
	for i, rc := range TopRules(hits, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, rc.Rule, rc.Count)
	}
}
