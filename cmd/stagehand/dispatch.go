package main

import (
	"github.com/spf13/cobra"

	"stagehand/pkg/database"
	"stagehand/pkg/metrics"
	"stagehand/pkg/protocol"
	"stagehand/pkg/staging"
	"stagehand/pkg/watcher"
)

// newDispatcherCmds returns the hidden commands a watcher process runs.
// Arguments are passed through untouched, so a DSN or path starting with a
// dash is not mistaken for a flag.
func newDispatcherCmds() []*cobra.Command {
	kinds := []protocol.Kind{protocol.KindCleanupStaging, protocol.KindDeleteDatabase}

	cmds := make([]*cobra.Command, 0, len(kinds))
	for _, kind := range kinds {
		cmds = append(cmds, &cobra.Command{
			Use:                string(kind),
			Short:              "Run a cleanup ticket (used by the watcher)",
			Hidden:             true,
			DisableFlagParsing: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDispatcher(cmd, append([]string{string(kind)}, args...))
			},
		})
	}
	return cmds
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	cfg, _ := loadConfig(true)
	pc := metrics.NewPrometheusCollector("stagehand")

	d := watcher.NewDispatcher(watcher.DispatcherConfig{
		JournalPath: cfg.Watcher.Journal,
		Metrics:     pc,
	})

	stager := staging.NewManager(staging.Config{
		TempRoot: cfg.TempRoot,
		Metrics:  pc,
		Logger:   newLogger("[staging] "),
	})
	d.Handle(protocol.KindCleanupStaging, stager.HandleCleanup)

	databases := database.NewManager(database.Config{
		TempRoot:  cfg.TempRoot,
		MasterDSN: cfg.Database.MasterDSN,
		Metrics:   pc,
		Logger:    newLogger("[database] "),
	})
	d.Handle(protocol.KindDeleteDatabase, databases.HandleDelete)

	code := d.Main(cmd.Context(), args)
	if cfg.Metrics.Textfile != "" {
		_ = pc.WriteTextfile(cfg.Metrics.Textfile)
	}
	if code != 0 {
		return exitError{code: code}
	}
	return nil
}
