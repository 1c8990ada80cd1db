package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-classifier/config"
	"github.com/dhcgn/mail-classifier/imap"
)

// NewRootCommand builds the command tree. The root command classifies the
// unseen messages of an IMAP mailbox.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mail-classifier",
		Short:         "Classify unseen IMAP messages against sender and subject rules",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(".env")
		},
		RunE: runIMAP,
	}

	config.RegisterFlags(rootCmd)
	config.RegisterIMAPFlags(rootCmd)

	rootCmd.AddCommand(newClassifyMboxCommand())
	rootCmd.AddCommand(newRulesCommand())

	return rootCmd
}

func runIMAP(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return err
	}
	imapCfg, err := config.LoadIMAPConfig(cmd)
	if err != nil {
		return err
	}

	p, err := newPipeline(cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer p.close()

	p.logger.Info("starting mail-classifier", "host", imapCfg.Host, "mailbox", imapCfg.Mailbox, "rules", p.rules.Path, "ruleCount", p.rules.Set.Len())

	fetcherOpts := imap.Options{
		Host:               imapCfg.Host,
		Port:               imapCfg.Port,
		Username:           imapCfg.Username,
		Password:           imapCfg.Password,
		UseTLS:             imapCfg.UseTLS,
		InsecureSkipVerify: imapCfg.InsecureSkipVerify,
		Mailbox:            imapCfg.Mailbox,
	}
	if _, err := imap.NewFetcher(fetcherOpts, p.runner, p.logger); err != nil {
		return fmt.Errorf("imap.NewFetcher: %w", err)
	}

	return p.run()
}
