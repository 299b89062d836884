// Package metrics records staging, teardown and database lifecycle metrics.
package metrics

import (
	"time"
)

// Collector receives lifecycle measurements from the stager, the watcher and
// the database lifecycle.
type Collector interface {
	// StageCompleted records one Stage call and the number of links it created.
	StageCompleted(duration time.Duration, links int, err error)

	// WatcherArmed records a cleanup ticket handed to a watcher process.
	WatcherArmed(kind string, err error)

	// TeardownCompleted records a teardown performed by kind.
	TeardownCompleted(kind string, duration time.Duration, err error)

	// DatabaseOperation records a create or delete against a database engine.
	DatabaseOperation(engine, op string, duration time.Duration, err error)

	// UnlockRetried records a busy resource that needed an unlock before retrying.
	UnlockRetried(resource string)
}

type noopCollector struct{}

func (noopCollector) StageCompleted(time.Duration, int, error) {}

func (noopCollector) WatcherArmed(string, error) {}

func (noopCollector) TeardownCompleted(string, time.Duration, error) {}

func (noopCollector) DatabaseOperation(string, string, time.Duration, error) {}

func (noopCollector) UnlockRetried(string) {}

// NewNoopCollector returns a collector that discards everything.
func NewNoopCollector() Collector {
	return noopCollector{}
}

// OrNoop returns c, or a no-op collector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return noopCollector{}
	}
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
