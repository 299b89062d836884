package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands.
// Without arguments it does nothing: that is the dispatcher's no-op form.
var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Stage disposable web environments and databases for integration tests",
	Long: `stagehand builds an isolated copy of a web application directory with
patched configuration, launches the web server against it and arms a detached
watcher that deletes the copy once the server exits. It can also create and
delete throwaway databases with the same deferred cleanup.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
}

// exitError carries a specific process exit status.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "stagehand version %s\n" .Version}}`)

	err := rootCmd.Execute()
	var ee exitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		os.Exit(ee.code)
	default:
		fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default layers $HOME/.config/stagehand/config.yaml and ./.stagehand.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")

	rootCmd.AddCommand(newDispatcherCmds()...)
	rootCmd.AddCommand(newStageCmd())
	rootCmd.AddCommand(newTeardownCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newDBCmd())
	rootCmd.AddCommand(newJournalCmd())
	rootCmd.AddCommand(newVersionCmd())
}
