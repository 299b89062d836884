package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stagehand/pkg/staging"
)

const defaultStopTimeout = 10 * time.Second

func newTeardownCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "teardown <dir>",
		Short: "Delete a staging directory",
		Long: `Teardown deletes a staging directory created by stagehand. Directories
without the marker file are refused. With --wait nothing is deleted; the
command blocks until an armed watcher has removed the directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]

			if wait {
				ctx := cmd.Context()
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				if err := staging.WaitForTeardown(ctx, dir); err != nil {
					return fmt.Errorf("wait for %s: %w", dir, err)
				}
				return nil
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.flushMetrics()
			return a.staging.Teardown(dir)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the watcher instead of deleting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [root]",
		Short: "Delete abandoned staging directories",
		Long: `Sweep removes staging directories directly under root (default: the
configured temp root) whose owning process and server have both exited.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.flushMetrics()

			root := ""
			if len(args) == 1 {
				root = args[0]
			}
			removed, err := a.staging.Sweep(root)
			if err != nil {
				return err
			}
			for _, dir := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), dir)
			}
			return nil
		},
	}
}
