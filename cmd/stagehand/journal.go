package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stagehand/internal/journal"
)

func newJournalCmd() *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded cleanup activity",
		Long: `Journal prints the cleanup journal, one entry per line: time, outcome and
the ticket as dispatcher arguments. A failed ticket can be re-run by passing
those arguments back to stagehand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if cfg.Watcher.Journal == "" {
				return fmt.Errorf("no journal configured (set watcher.journal)")
			}

			entries, err := journal.Read(cfg.Watcher.Journal)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, e := range entries {
				if failed && e.Outcome != journal.OutcomeFailed {
					continue
				}
				line := fmt.Sprintf("%s %-11s %s", e.Timestamp, e.Outcome, e.Ticket.CommandLine())
				if e.Error != "" {
					line += "  # " + e.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "only show failed tickets")
	return cmd
}
