package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/dhcgn/mail-classifier/classify"
	"github.com/dhcgn/mail-classifier/config"
	"github.com/dhcgn/mail-classifier/logging"
	"github.com/dhcgn/mail-classifier/metrics"
	"github.com/dhcgn/mail-classifier/progress"
	"github.com/dhcgn/mail-classifier/report"
	"github.com/dhcgn/mail-classifier/rules"
	"github.com/dhcgn/mail-classifier/runner"
	"github.com/dhcgn/mail-classifier/stats"
)

// pipeline is the wiring shared by the classifying commands: logger, rule
// set, runner, report stage and the event subscribers.
type pipeline struct {
	cfg      config.Config
	logger   *slog.Logger
	cleanup  func() error
	rules    rules.Loaded
	runner   *runner.Runner
	reporter *stats.Reporter
	bar      *progress.Bar
	metrics  *metrics.Metrics
}

// newPipeline writes the report to out. Logs and the progress bar go to
// errOut.
func newPipeline(cfg config.Config, out, errOut io.Writer) (*pipeline, error) {
	logger, cleanup, err := logging.Setup(errOut, cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	slog.SetDefault(logger)

	p := &pipeline{cfg: cfg, logger: logger, cleanup: cleanup}

	p.rules = rules.Load(cfg.RulesPath)
	if p.rules.Degraded() {
		logger.Warn("no rules loaded, every message will be unmatched", "path", p.rules.Path, "err", p.rules.Err)
	}

	classifier := classify.New(p.rules.Set, classify.WithSubjectDecoding(cfg.DecodeSubject))

	p.runner, err = runner.New(cfg, classifier, logger)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("runner.New: %w", err)
	}

	writer, err := report.New(report.Format(cfg.Output), out)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	report.NewPrinter(writer, p.runner, logger)

	p.reporter = stats.NewReporter(p.runner, logger)

	if cfg.Progress {
		p.bar = progress.New(0, true, errOut)
		p.runner.SubscribeStats("progress-bar", p.bar.Subscriber)
	}

	if cfg.MetricsFile != "" {
		p.metrics = metrics.New()
		p.runner.SubscribeStats("metrics", p.metrics.Subscriber)
	}

	return p, nil
}

func (p *pipeline) run() error {
	err := p.runner.Start()

	if p.bar != nil {
		p.bar.Stop(p.reporter.Summary())
	}

	if p.metrics != nil {
		if werr := p.metrics.WriteTextfile(p.cfg.MetricsFile); werr != nil {
			p.logger.Error("metrics not written", "path", p.cfg.MetricsFile, "err", werr)
			if err == nil {
				err = werr
			}
		} else {
			p.logger.Debug("metrics written", "path", p.cfg.MetricsFile)
		}
	}

	return err
}

func (p *pipeline) close() {
	if p.cleanup != nil {
		_ = p.cleanup()
	}
}
