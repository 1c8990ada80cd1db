package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-classifier/config"
	"github.com/dhcgn/mail-classifier/mbox"
	"github.com/dhcgn/mail-classifier/stats"
)

func newClassifyMboxCommand() *cobra.Command {
	var (
		summaryDir string
		topN       int
	)

	cmd := &cobra.Command{
		Use:   "classify-mbox [mbox file]",
		Short: "Classify every message of an mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			mboxPath := args[0]

			p, err := newPipeline(cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.close()

			p.logger.Info("classifying mbox", "mbox", mboxPath, "rules", p.rules.Path, "ruleCount", p.rules.Set.Len())

			if _, err := mbox.NewProducer(mbox.Options{Path: mboxPath}, p.runner, p.logger); err != nil {
				return fmt.Errorf("mbox.NewProducer: %w", err)
			}

			if err := p.run(); err != nil {
				return err
			}

			summary := p.reporter.Summary()
			if topN > 0 && len(summary.RuleHits) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "Top %d rules:\n", topN)
				stats.PrintTop(cmd.ErrOrStderr(), summary.RuleHits, topN)
			}

			if summaryDir != "" {
				path, err := saveRuleSummary(summary, p.rules.Set.Names(), summaryDir)
				if err != nil {
					return fmt.Errorf("save rule summary: %w", err)
				}
				p.logger.Info("rule summary saved", "path", path)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&summaryDir, "summary-dir", "", "Directory to write a per-rule hit count CSV to")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top rules to print after the run (0 disables)")

	return cmd
}

// saveRuleSummary writes one row per rule in evaluation order, followed by
// the unmatched count.
func saveRuleSummary(summary stats.Summary, ruleNames []string, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "rule_summary.csv")
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}

	if err := writeRuleSummary(file, summary, ruleNames); err != nil {
		file.Close()
		return "", err
	}

	return path, file.Close()
}

func writeRuleSummary(w io.Writer, summary stats.Summary, ruleNames []string) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"Rule", "Count"}); err != nil {
		return err
	}
	for _, name := range ruleNames {
		if err := writer.Write([]string{name, strconv.Itoa(summary.RuleHits[name])}); err != nil {
			return err
		}
	}
	if err := writer.Write([]string{"(no match)", strconv.Itoa(summary.Unmatched)}); err != nil {
		return err
	}

	writer.Flush()
	return writer.Error()
}
