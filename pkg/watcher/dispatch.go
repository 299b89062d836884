package watcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"stagehand/internal/journal"
	"stagehand/pkg/errdefs"
	"stagehand/pkg/metrics"
	"stagehand/pkg/protocol"
)

// Handler reclaims the resource a ticket describes. It must tolerate the
// resource being partially or fully gone.
type Handler func(ctx context.Context, t protocol.Ticket) error

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// JournalPath records every outcome when set.
	JournalPath string

	// Logger defaults to discarding output: a detached watcher has no
	// terminal to write to.
	Logger  *log.Logger
	Metrics metrics.Collector
}

// Dispatcher is the entry point that runs inside the watcher process.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Kind]Handler

	journalPath string
	logger      *log.Logger
	metrics     metrics.Collector
	wait        func(ctx context.Context, pid int) error
}

// NewDispatcher creates a dispatcher with no handlers registered.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		handlers:    make(map[protocol.Kind]Handler),
		journalPath: cfg.JournalPath,
		logger:      cfg.Logger,
		metrics:     metrics.OrNoop(cfg.Metrics),
		wait:        WaitForExit,
	}
}

// Handle registers the handler for a command kind.
func (d *Dispatcher) Handle(kind protocol.Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) handler(kind protocol.Kind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Dispatch parses a ticket from args, waits for its process to exit and runs
// its handler. No arguments is a no-op. Teardown failures are recorded and
// swallowed, except a refusal to touch an unmanaged directory.
func (d *Dispatcher) Dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}

	j, err := journal.Open(d.journalPath)
	if err != nil {
		d.logger.Printf("warning: %v", err)
		j = journal.Discard()
	}
	defer j.Close()

	t, err := protocol.Parse(args)
	if err != nil {
		d.logger.Printf("rejected %q: %v", args, err)
		j.Record(journal.Entry{Ticket: protocol.Ticket{Kind: protocol.Kind(args[0])}, Outcome: journal.OutcomeRejected, Error: err.Error()})
		return err
	}

	h, ok := d.handler(t.Kind)
	if !ok {
		err := errdefs.Newf(errdefs.CodeUnknownCommand, "no handler for %s", t.Kind)
		j.Record(journal.Entry{Ticket: t, Outcome: journal.OutcomeRejected, Error: err.Error()})
		return err
	}

	if t.ShouldWait() {
		d.logger.Printf("waiting for pid %d before %s", t.WaitPID, t.Kind)
		if err := d.wait(ctx, t.WaitPID); err != nil {
			return fmt.Errorf("wait for pid %d: %w", t.WaitPID, err)
		}
	}

	start := time.Now()
	err = h(ctx, t)
	elapsed := time.Since(start)
	d.metrics.TeardownCompleted(string(t.Kind), elapsed, err)

	entry := journal.Entry{
		Ticket:     t,
		Outcome:    journal.OutcomeTornDown,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
	}
	switch {
	case err == nil:
		d.logger.Printf("%s completed in %s", t, elapsed.Round(time.Millisecond))
	case errdefs.IsNotManaged(err):
		entry.Outcome = journal.OutcomeNotManaged
		entry.Error = err.Error()
		d.logger.Printf("%s refused: %v", t, err)
	default:
		entry.Outcome = journal.OutcomeFailed
		entry.Error = err.Error()
		d.logger.Printf("%s failed: %v", t, err)
	}
	j.Record(entry)

	if errdefs.IsNotManaged(err) {
		return err
	}
	return nil
}

// Main runs Dispatch on args and converts the result to an exit status:
// 0 on success or swallowed failure, 2 for an unmanaged directory and 1 for
// a malformed ticket.
func (d *Dispatcher) Main(ctx context.Context, args []string) int {
	err := d.Dispatch(ctx, args)
	switch {
	case err == nil:
		return 0
	case errdefs.IsNotManaged(err):
		fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		return 1
	}
}
