package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhcgn/mail-classifier/stats"
)

// Metrics holds the classifier counters on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal    *prometheus.CounterVec
	RuleMatchesTotal *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	UnseenMessages   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mail_classifier_messages_total",
				Help: "Messages seen by the classifier by outcome",
			},
			[]string{"outcome"},
		),
		RuleMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mail_classifier_rule_matches_total",
				Help: "Messages matched per rule",
			},
			[]string{"rule"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mail_classifier_errors_total",
				Help: "Errors per pipeline stage",
			},
			[]string{"stage"},
		),
		UnseenMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mail_classifier_unseen_messages",
				Help: "Unseen messages found by the last search",
			},
		),
	}

	m.registry.MustRegister(m.MessagesTotal, m.RuleMatchesTotal, m.ErrorsTotal, m.UnseenMessages)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe updates the metrics for a single pipeline event.
func (m *Metrics) Observe(evt stats.Event) {
	switch evt.Type {
	case stats.EventTypeSearched:
		m.UnseenMessages.Set(float64(evt.Count))
	case stats.EventTypeFetched:
		m.MessagesTotal.WithLabelValues("fetched").Inc()
	case stats.EventTypeSkipped:
		m.MessagesTotal.WithLabelValues("skipped").Inc()
	case stats.EventTypeMatched:
		m.MessagesTotal.WithLabelValues("matched").Inc()
		m.RuleMatchesTotal.WithLabelValues(evt.Rule).Inc()
	case stats.EventTypeUnmatched:
		m.MessagesTotal.WithLabelValues("unmatched").Inc()
	case stats.EventTypeError:
		m.ErrorsTotal.WithLabelValues(string(evt.Stage)).Inc()
	}
}

// Subscriber feeds the event stream into the metrics.
func (m *Metrics) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(evt)
		}
	}
}

// WriteTextfile writes the registry in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
