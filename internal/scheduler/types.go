package scheduler

import (
	"context"
	"time"
)

// Interval describes how often an item should run.
type Interval struct {
	// Min is the delay before retrying after a failed run.
	Min time.Duration
	// Ideal is the delay after a successful run.
	Ideal time.Duration
	// Timeout bounds the claim in the working set. It is advisory; the
	// execution is not cancelled when it passes.
	Timeout time.Duration
}

func (i Interval) withDefaults() Interval {
	if i.Ideal <= 0 {
		i.Ideal = time.Minute
	}
	if i.Min <= 0 || i.Min > i.Ideal {
		i.Min = i.Ideal
	}
	if i.Timeout <= 0 {
		i.Timeout = 2 * i.Ideal
	}
	return i
}

// ExecFunc performs one run of a work item. Returning Finished retires the
// item; any other error schedules a retry after Interval.Min.
type ExecFunc func(ctx context.Context) error

type Registration struct {
	ID       string
	Interval Interval
	Run      ExecFunc
}

// Config tunes the acquisition loop.
type Config struct {
	// MaxConcurrent caps in-flight executions on this pod.
	MaxConcurrent int
	// Interval is the acquisition tick.
	Interval time.Duration
	// RefreshPeriod is how often local registrations are re-seeded into
	// the waiting set.
	RefreshPeriod time.Duration
	BatchEnabled  bool
	BatchSize     int
	// ScanLimit is the page size used when scanning ready work.
	ScanLimit int
	// StoreTimeout bounds store calls made outside a tick.
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 500
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}
