package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"stagehand/internal/config"
	"stagehand/pkg/database"
	"stagehand/pkg/launcher"
	"stagehand/pkg/metrics"
	"stagehand/pkg/staging"
	"stagehand/pkg/watcher"
)

// app holds the components built from the loaded configuration.
type app struct {
	cfg     config.Config
	metrics *metrics.PrometheusCollector

	armer     *watcher.Armer
	staging   *staging.Manager
	databases *database.Manager
}

func newLogger(prefix string) *log.Logger {
	var out io.Writer = io.Discard
	if verbose {
		out = os.Stderr
	}
	return log.New(out, prefix, log.LstdFlags|log.Lmsgprefix)
}

// loadConfig loads the layered configuration. A watcher process falls back
// to defaults when the files cannot be read, since it has nobody to report
// the error to.
func loadConfig(lenient bool) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if lenient {
			return config.Default(), nil
		}
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		metrics: metrics.NewPrometheusCollector("stagehand"),
	}

	env, err := watcherEnv()
	if err != nil {
		return nil, err
	}
	a.armer, err = watcher.NewArmer(watcher.Config{
		Command:     cfg.Watcher.Dispatcher,
		Env:         env,
		JournalPath: cfg.Watcher.Journal,
		Logger:      newLogger("[watcher] "),
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, err
	}

	l, err := newLauncher(cfg)
	if err != nil {
		return nil, err
	}

	a.staging = staging.NewManager(staging.Config{
		TempRoot: cfg.TempRoot,
		Launcher: l,
		Armer:    a.armer,
		Metrics:  a.metrics,
		Logger:   newLogger("[staging] "),
	})
	a.databases = database.NewManager(database.Config{
		TempRoot:  cfg.TempRoot,
		MasterDSN: cfg.Database.MasterDSN,
		Folder:    cfg.Database.Folder,
		MaxSizeMB: cfg.Database.MaxSizeMB,
		Armer:     a.armer,
		Metrics:   a.metrics,
		Logger:    newLogger("[database] "),
	})
	return a, nil
}

// watcherEnv hands the --config file to watcher processes, whose own
// arguments are the ticket alone.
func watcherEnv() ([]string, error) {
	if configPath == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return []string{config.EnvConfig + "=" + abs}, nil
}

func newLauncher(cfg config.Config) (launcher.Launcher, error) {
	logger := newLogger("[launcher] ")
	if cfg.Server.Runtime != config.RuntimeDocker {
		return launcher.NewLocalLauncher(logger), nil
	}
	cli, err := launcher.NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return launcher.NewDockerLauncher(cli, logger), nil
}

// flushMetrics writes the metrics textfile when one is configured.
func (a *app) flushMetrics() {
	if a == nil || a.cfg.Metrics.Textfile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		fmt.Fprintf(os.Stderr, "stagehand: write metrics: %v\n", err)
	}
}

// applyServerDefaults fills unset server fields from the configuration.
func (a *app) applyServerDefaults(s *staging.Server) {
	if s.Executable == "" {
		s.Executable = a.cfg.Server.Executable
	}
	if len(s.Args) == 0 {
		s.Args = a.cfg.Server.Args
	}
	if s.Image == "" && a.cfg.Server.Runtime == config.RuntimeDocker {
		s.Image = a.cfg.Server.Image
	}
}
