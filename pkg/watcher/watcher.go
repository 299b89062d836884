// Package watcher implements deferred cleanup: a resource owner arms a
// detached watcher process with a cleanup ticket, and the watcher waits for
// the owning process to exit before reclaiming the resource.
//
// The watcher is a fresh process image of a dispatcher (by default the
// current executable) that receives the ticket as arguments. Nothing else is
// shared between the owner and the watcher.
package watcher

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"

	"stagehand/internal/journal"
	"stagehand/pkg/metrics"
	"stagehand/pkg/protocol"
)

// Config configures an Armer.
type Config struct {
	// Executable is the dispatcher binary. Defaults to os.Executable().
	Executable string

	// Command is an external dispatcher command line, split with shell
	// quoting rules. It takes precedence over Executable.
	Command string

	// Env is added to the inherited environment of the watcher process.
	Env []string

	// JournalPath records armed tickets when set.
	JournalPath string

	Logger  *log.Logger
	Metrics metrics.Collector
}

// Armer spawns watcher processes.
type Armer struct {
	prefix  []string
	env     []string
	journal string
	logger  *log.Logger
	metrics metrics.Collector
}

// NewArmer resolves the dispatcher command.
func NewArmer(cfg Config) (*Armer, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[watcher] ", log.LstdFlags|log.Lmsgprefix)
	}

	var prefix []string
	switch {
	case cfg.Command != "":
		words, err := shellquote.Split(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse dispatcher command: %w", err)
		}
		if len(words) == 0 {
			return nil, fmt.Errorf("dispatcher command is empty")
		}
		prefix = words
	case cfg.Executable != "":
		prefix = []string{cfg.Executable}
	default:
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate current executable: %w", err)
		}
		prefix = []string{self}
	}

	return &Armer{
		prefix:  prefix,
		env:     cfg.Env,
		journal: cfg.JournalPath,
		logger:  cfg.Logger,
		metrics: metrics.OrNoop(cfg.Metrics),
	}, nil
}

// Arm spawns a detached watcher for t and returns without waiting for it.
// An error means the watcher could not be started; once started, its
// outcome is never reported back.
func (a *Armer) Arm(t protocol.Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}

	argv := append(append([]string(nil), a.prefix[1:]...), t.Args()...)
	cmd := exec.Command(a.prefix[0], argv...)
	if len(a.env) > 0 {
		cmd.Env = append(os.Environ(), a.env...)
	}
	cmd.SysProcAttr = detachAttr()

	start := time.Now()
	err := cmd.Start()
	a.metrics.WatcherArmed(string(t.Kind), err)
	if err != nil {
		return fmt.Errorf("spawn watcher for %s: %w", t.Kind, err)
	}

	watcherPID := cmd.Process.Pid
	a.logger.Printf("armed %s (watcher pid=%d, spawn=%s)", t.CommandLine(), watcherPID, time.Since(start).Round(time.Millisecond))

	// Reap the watcher if it finishes while we are still alive.
	go cmd.Wait()

	if a.journal != "" {
		if j, err := journal.Open(a.journal); err == nil {
			j.Record(journal.Entry{Ticket: t, Outcome: journal.OutcomeArmed})
			j.Close()
		}
	}
	return nil
}
