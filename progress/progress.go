package progress

import (
	"context"
	"io"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-classifier/stats"
)

// Bar renders classification progress. It starts once the total is known,
// either up front or from the first searched event.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	current int
	mu      sync.Mutex
	enabled bool
	w       io.Writer
}

// New creates a bar drawn on w. A total of zero waits for a searched event.
func New(total int, enabled bool, w io.Writer) *Bar {
	bar := &Bar{enabled: enabled, w: w}
	if enabled && total > 0 {
		bar.start(total)
	}
	return bar
}

func (b *Bar) start(total int) {
	b.total = total
	pterm.Info.WithWriter(b.w).Printf("Messages to classify: %d\n", total)

	pb, err := pterm.DefaultProgressbar.
		WithWriter(b.w).
		WithTotal(total).
		WithTitle("Classifying messages").
		Start()
	if err != nil {
		pterm.Warning.WithWriter(b.w).Printf("progress bar unavailable: %v\n", err)
		return
	}
	b.pb = pb
}

// Update advances the bar for one event.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeSearched:
		if b.pb == nil && evt.Count > 0 {
			b.start(evt.Count)
		}
	case stats.EventTypeFetched:
		b.current++
		if b.pb == nil {
			return
		}
		b.pb.Increment()
		if evt.MessageID != "" {
			b.pb.UpdateTitle("Classifying " + evt.MessageID)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.WithWriter(b.w).Printf("Error: %v\n", evt.Err)
		}
	}
}

func (b *Bar) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Stop finalizes the bar and prints a summary line.
func (b *Bar) Stop(summary stats.Summary) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		if b.pb.Current < b.total {
			b.pb.Current = b.total
		}
		_, _ = b.pb.Stop()
		b.pb = nil
	}

	pterm.Success.WithWriter(b.w).Printf("Classified %d messages: %d matched, %d unmatched, %d skipped, %d errors\n",
		summary.Matched+summary.Unmatched, summary.Matched, summary.Unmatched, summary.Skipped, summary.Errors)
}

func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
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
