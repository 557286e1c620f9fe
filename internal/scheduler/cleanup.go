package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"agentsched/internal/metrics"
	logx "agentsched/pkg/logx"
)

// cadence lets a periodic job run at most once per interval. A call that
// is too early leaves the last-run timestamp untouched.
type cadence struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func (c *cadence) due(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.last.IsZero() && now.Sub(c.last) < c.interval {
		return false
	}
	c.last = now
	return true
}

func (c *cadence) lastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type ZombieConfig struct {
	Enabled   bool
	Interval  time.Duration
	Threshold time.Duration
}

// ZombieCleanup reclaims local runs that have been executing longer than
// the threshold. The run is cancelled, its permit freed and the item put
// back into the waiting set.
type ZombieCleanup struct {
	acq       *Acquisition
	threshold time.Duration
	enabled   atomic.Bool
	cad       cadence
}

func NewZombieCleanup(cfg ZombieConfig, acq *Acquisition) *ZombieCleanup {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = time.Hour
	}
	z := &ZombieCleanup{acq: acq, threshold: cfg.Threshold, cad: cadence{interval: cfg.Interval}}
	z.enabled.Store(cfg.Enabled)
	return z
}

func (z *ZombieCleanup) SetEnabled(on bool) { z.enabled.Store(on) }

func (z *ZombieCleanup) Enabled() bool { return z.enabled.Load() }

func (z *ZombieCleanup) LastRun() time.Time { return z.cad.lastRun() }

// Run performs one pass if enabled and due. It reports whether a pass ran.
func (z *ZombieCleanup) Run(ctx context.Context, now time.Time) bool {
	if !z.enabled.Load() || !z.cad.due(now) {
		return false
	}
	a := z.acq
	reclaimed := 0
	for _, w := range a.active.snapshot() {
		age := now.Sub(w.Started)
		if age <= z.threshold {
			// Snapshot is ordered by start time.
			break
		}
		if !a.retire(w) {
			continue
		}
		reclaimed++
		moved, err := a.store.Requeue(ctx, w.ID, w.Claim, now)
		switch {
		case err != nil:
			a.deferWrite(w.ID, deferred{claim: w.Claim, at: now})
			a.warnf("zombie requeue deferred", err, logx.String("id", w.ID))
		case !moved:
			a.log.Info("zombie already reclaimed from the store", logx.String("id", w.ID))
		default:
			a.log.Warn("reclaimed zombie run",
				logx.String("id", w.ID),
				logx.String("run", w.RunID),
				logx.Duration("age", age),
			)
		}
	}
	if reclaimed > 0 {
		a.rec.Reclaimed(metrics.SourceZombie, reclaimed)
	}
	return true
}

type OrphanConfig struct {
	Enabled   bool
	Interval  time.Duration
	Threshold time.Duration
	// RunBudget bounds the wall time of one pass.
	RunBudget   time.Duration
	LeaderTTL   time.Duration
	BatchSize   int
	LeaderOwner string
}

// OrphanCleanup returns expired claims from any pod to the waiting set.
// Only the pod holding the cleanup leadership key does the work.
type OrphanCleanup struct {
	acq     *Acquisition
	cfg     OrphanConfig
	enabled atomic.Bool
	cad     cadence
}

func NewOrphanCleanup(cfg OrphanConfig, acq *Acquisition) *OrphanCleanup {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2 * time.Hour
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 10 * time.Second
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = cfg.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	o := &OrphanCleanup{acq: acq, cfg: cfg, cad: cadence{interval: cfg.Interval}}
	o.enabled.Store(cfg.Enabled)
	return o
}

func (o *OrphanCleanup) SetEnabled(on bool) { o.enabled.Store(on) }

func (o *OrphanCleanup) Enabled() bool { return o.enabled.Load() }

func (o *OrphanCleanup) LastRun() time.Time { return o.cad.lastRun() }

// Run performs one pass if enabled and due. It reports whether a pass ran,
// which includes passes that lost the leadership race.
func (o *OrphanCleanup) Run(ctx context.Context, now time.Time) bool {
	if !o.enabled.Load() || !o.cad.due(now) {
		return false
	}
	a := o.acq
	leader, err := a.store.AcquireLeadership(ctx, o.cfg.LeaderOwner, o.cfg.LeaderTTL)
	if err != nil {
		a.warnf("orphan cleanup leadership check failed", err)
		return true
	}
	if !leader {
		a.log.Debug("orphan cleanup skipped; another pod leads")
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunBudget)
	defer cancel()
	started := a.now()
	cutoff := now.Add(-o.cfg.Threshold)
	total, local := 0, 0
	for {
		ids, err := a.store.ReclaimExpired(ctx, cutoff, now, o.cfg.BatchSize)
		if err != nil {
			a.warnf("orphan reclaim failed", err)
			break
		}
		for _, id := range ids {
			if a.forget(id, cutoff) {
				local++
			}
		}
		total += len(ids)
		if len(ids) < o.cfg.BatchSize || a.now().Sub(started) >= o.cfg.RunBudget {
			break
		}
	}
	if total > 0 {
		a.rec.Reclaimed(metrics.SourceOrphan, total)
		a.log.Warn("reclaimed orphaned claims",
			logx.Int("count", total),
			logx.Int("local", local),
			logx.Time("cutoff", cutoff),
		)
	}
	return true
}

// Leader is the identity used for the cleanup leadership key.
func (o *OrphanCleanup) Leader() string { return o.cfg.LeaderOwner }
