package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stagehand/pkg/staging"
)

func newStageCmd() *cobra.Command {
	var (
		specPath string
		launch   bool
	)

	cmd := &cobra.Command{
		Use:   "stage -f <spec.yaml>",
		Short: "Stage a web application directory",
		Long: `Stage builds a staging directory from a YAML stage spec and prints its path.

With --launch the server is started against the staged directory and a
watcher is armed that deletes the directory once the server exits. The
command then waits for the server; interrupting it stops the server and
tears the directory down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, server, err := staging.LoadSpecFile(specPath)
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.flushMetrics()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if !launch {
				env, err := a.staging.Stage(ctx, spec)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, env.Dir)
				return nil
			}

			a.applyServerDefaults(&server)
			env, err := a.staging.Start(ctx, spec, server)
			if err != nil && env == nil {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "stagehand: warning: %v\n", err)
			}

			fmt.Fprintf(out, "staged %s\n", env.Dir)
			fmt.Fprintf(out, "server pid %d (site %s, config %s)\n", env.Server.PID, env.SiteName, env.HostConfigPath)

			select {
			case <-env.Server.Done():
				fmt.Fprintln(out, "server exited")
				if stderr := env.Server.Stderr(); stderr != "" {
					fmt.Fprint(cmd.ErrOrStderr(), stderr)
				}
				return nil
			case <-ctx.Done():
				fmt.Fprintln(out, "stopping server")
				stopCtx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
				defer cancel()
				return env.Stop(stopCtx)
			}
		},
	}

	cmd.Flags().StringVarP(&specPath, "file", "f", "", "stage spec file (YAML)")
	cmd.Flags().BoolVar(&launch, "launch", false, "start the server and arm cleanup")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
