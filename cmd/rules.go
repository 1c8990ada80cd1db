package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-classifier/config"
	"github.com/dhcgn/mail-classifier/rules"
)

func newRulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rules [rules file]",
		Short: "Validate a rule file and list its rules in evaluation order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString("rules")
			if err != nil {
				return err
			}
			if len(args) == 1 {
				path = args[0]
			} else if !cmd.Flags().Changed("rules") {
				if env := strings.TrimSpace(os.Getenv(config.EnvRulesFile)); env != "" {
					path = env
				}
			}

			set, err := rules.ReadFile(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d rules\n", path, set.Len())

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tNAME\tSENDER\tHEADER")
			i := 0
			for r := range set.All() {
				i++
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, r.Name, display(r.Sender), display(r.Header))
			}
			return tw.Flush()
		},
	}
}

func display(pattern string) string {
	if pattern == "" {
		return "(any)"
	}
	return pattern
}
