package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"agentsched/internal/metrics"
	"agentsched/internal/storage"
	logx "agentsched/pkg/logx"
)

// Sharder decides whether this pod owns an item.
type Sharder interface {
	Filter(id string) bool
}

type everything struct{}

func (everything) Filter(string) bool { return true }

type deferred struct {
	claim   time.Time
	at      time.Time
	release bool
}

// Acquisition claims ready work for this pod, hands it to the executor and
// runs the completion path. Every dispatched run owns one permit from
// claim until exactly one of completion, zombie cleanup, orphan cleanup or
// shutdown retires its record.
type Acquisition struct {
	cfg      Config
	store    storage.Store
	registry *Registry
	exec     Executor
	permits  *Permits
	shard    Sharder
	rec      metrics.Recorder
	log      logx.Logger
	warn     *rate.Limiter
	now      func() time.Time

	base     context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool

	active *activeSet

	pmu     sync.Mutex
	pending map[string]deferred

	rmu         sync.Mutex
	lastRefresh time.Time
}

type Option func(*Acquisition)

func WithSharder(s Sharder) Option { return func(a *Acquisition) { a.shard = s } }

func WithRecorder(r metrics.Recorder) Option { return func(a *Acquisition) { a.rec = r } }

func WithLogger(log logx.Logger) Option { return func(a *Acquisition) { a.log = log } }

func WithClock(now func() time.Time) Option { return func(a *Acquisition) { a.now = now } }

func NewAcquisition(cfg Config, store storage.Store, registry *Registry, exec Executor, opts ...Option) *Acquisition {
	cfg = cfg.withDefaults()
	a := &Acquisition{
		cfg:      cfg,
		store:    store,
		registry: registry,
		exec:     exec,
		permits:  NewPermits(cfg.MaxConcurrent),
		shard:    everything{},
		rec:      metrics.Nop{},
		log:      logx.Nop(),
		warn:     rate.NewLimiter(rate.Every(30*time.Second), 1),
		now:      time.Now,
		active:   newActiveSet(),
		pending:  make(map[string]deferred),
	}
	for _, o := range opts {
		o(a)
	}
	a.base, a.cancel = context.WithCancel(context.Background())
	return a
}

func (a *Acquisition) Permits() *Permits { return a.permits }

// Held is the number of permits currently owned by dispatched runs.
func (a *Acquisition) Held() int { return a.permits.Held() }

// Active returns the local records ordered by start time.
func (a *Acquisition) Active() []*ActiveWork { return a.active.snapshot() }

// Pending is the number of completion-path store writes waiting for retry.
func (a *Acquisition) Pending() int {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	return len(a.pending)
}

// Repopulate seeds every enabled registration into the waiting set at now.
func (a *Acquisition) Repopulate(ctx context.Context, now time.Time) (int, error) {
	ids := a.registry.IDs()
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := a.store.Repopulate(ctx, ids, now)
	if err != nil {
		return 0, err
	}
	a.rmu.Lock()
	a.lastRefresh = now
	a.rmu.Unlock()
	if n > 0 {
		a.log.Info("repopulated waiting set", logx.Int("added", n), logx.Int("registered", len(ids)))
	}
	return n, nil
}

// Run ticks SaturatePool until ctx is done.
func (a *Acquisition) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.tick(ctx)
		}
	}
}

func (a *Acquisition) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("acquisition tick panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	now := a.now()
	a.rmu.Lock()
	due := now.Sub(a.lastRefresh) >= a.cfg.RefreshPeriod
	a.rmu.Unlock()
	if due {
		if _, err := a.Repopulate(ctx, now); err != nil {
			a.warnf("repopulate failed", err)
		}
	}
	a.SaturatePool(ctx, now)
}

// SaturatePool claims and dispatches as much ready work as free permits
// allow and returns how many runs were dispatched. Errors are logged and
// metered, never returned.
func (a *Acquisition) SaturatePool(ctx context.Context, now time.Time) int {
	if a.stopping.Load() {
		return 0
	}
	a.flushPending(ctx)

	want := 1
	if a.cfg.BatchEnabled {
		want = a.cfg.BatchSize
	}
	total := 0
	for ctx.Err() == nil && !a.stopping.Load() {
		held := a.permits.TryAcquireN(want)
		if held == 0 {
			break
		}
		dispatched, claimed := a.claimAndDispatch(ctx, now, held)
		total += dispatched
		if claimed < held {
			break
		}
	}
	a.rec.AcquisitionAttempt(total)
	a.rec.SetActive(a.active.len())
	return total
}

// claimAndDispatch owns held permits for its duration. Permits not handed
// to a dispatched record are released before it returns.
func (a *Acquisition) claimAndDispatch(ctx context.Context, now time.Time, held int) (dispatched, claimed int) {
	defer func() { a.permits.Release(held - dispatched) }()

	candidates, err := a.candidates(ctx, now, held)
	if err != nil {
		a.warnf("reading ready work failed", err)
	}
	if len(candidates) == 0 {
		return 0, 0
	}
	timeouts := make(map[string]time.Duration, len(candidates))
	for _, c := range candidates {
		timeouts[c.ID] = c.Timeout
	}

	ids, err := a.store.ClaimBatch(ctx, storage.ClaimRequest{N: held, Now: now, Only: candidates})
	if err != nil {
		a.warnf("claiming work failed", err)
		return 0, 0
	}
	for _, id := range ids {
		if a.dispatch(ctx, id, timeouts[id], now) {
			dispatched++
		}
	}
	return dispatched, len(ids)
}

// candidates pages through ready work in score order until at least want
// items this pod may run are found or the ready range is exhausted. Items
// owned by other pods never hide this pod's own work, however many of them
// are due earlier.
func (a *Acquisition) candidates(ctx context.Context, now time.Time, want int) ([]storage.Claim, error) {
	out := make([]storage.Claim, 0, want)
	seen := make(map[string]struct{})
	for offset := 0; len(out) < want; offset += a.cfg.ScanLimit {
		page, err := a.store.Ready(ctx, now, offset, a.cfg.ScanLimit)
		if err != nil {
			return out, err
		}
		for _, id := range page {
			// Offsets shift while other pods claim; an id can show up twice.
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			reg, ok := a.registry.Lookup(id)
			if !ok || a.active.has(id) || !a.shard.Filter(id) {
				continue
			}
			out = append(out, storage.Claim{ID: id, Timeout: reg.Interval.Timeout})
		}
		if len(page) < a.cfg.ScanLimit {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// dispatch re-validates a claimed item and submits it. timeout is the
// claim timeout the item was claimed with. It reports whether the run now
// owns a permit.
func (a *Acquisition) dispatch(ctx context.Context, id string, timeout time.Duration, now time.Time) bool {
	claim := storage.ClaimExpiry(now, timeout, 0)
	reg, ok := a.registry.Lookup(id)
	if !ok || !a.shard.Filter(id) {
		// Membership or filters moved between the scan and the claim.
		a.requeue(ctx, id, claim, now)
		return false
	}

	w := newActiveWork(id, reg.Interval, claim, now)
	if !a.active.insert(w) {
		a.requeue(ctx, id, w.Claim, now)
		return false
	}
	runCtx, cancel := context.WithCancel(a.base)
	w.cancel = cancel

	err := a.exec.Submit(func() { a.execute(runCtx, reg, w) })
	if err == nil {
		a.log.Debug("dispatched", logx.String("id", id), logx.String("run", w.RunID))
		return true
	}

	a.active.remove(w)
	cancel()
	kind := KindOf(err)
	reason := metrics.ReasonRejected
	if kind == KindResourceExhausted {
		reason = metrics.ReasonResourceExhausted
	}
	a.rec.SubmissionFailure(reason)
	a.warnf("submission failed", &Error{Kind: kind, ID: id, Err: err})
	a.requeue(ctx, id, w.Claim, now)
	return false
}

func (a *Acquisition) execute(ctx context.Context, reg Registration, w *ActiveWork) {
	defer close(w.done)
	start := a.now()
	err := invoke(ctx, reg.Run)
	a.complete(w, err, a.now().Sub(start))
}

func invoke(ctx context.Context, fn ExecFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

// complete retires w after its execution returned. A record that was
// already reclaimed makes this a no-op.
func (a *Acquisition) complete(w *ActiveWork, err error, took time.Duration) {
	if !a.active.remove(w) {
		a.log.Debug("late completion ignored", logx.String("id", w.ID), logx.String("run", w.RunID))
		return
	}
	w.cancel()
	a.permits.Release(1)
	a.rec.SetActive(a.active.len())

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
	defer cancel()
	now := a.now()

	var pe *panicError
	switch {
	case err == nil:
		a.rec.ExecutionCompleted(metrics.OutcomeSuccess, took)
		a.requeue(ctx, w.ID, w.Claim, now.Add(w.Interval.Ideal))
	case errors.Is(err, Finished):
		a.rec.ExecutionCompleted(metrics.OutcomeFinished, took)
		a.release(ctx, w.ID, w.Claim)
	case errors.As(err, &pe):
		a.rec.ExecutionCompleted(metrics.OutcomePanic, took)
		a.log.Error("execution panic",
			logx.String("id", w.ID),
			logx.Any("panic", pe.value),
			logx.Stack(pe.stack),
		)
		a.requeue(ctx, w.ID, w.Claim, now.Add(w.Interval.Min))
	default:
		a.rec.ExecutionCompleted(metrics.OutcomeFailure, took)
		a.log.Warn("execution failed",
			logx.String("id", w.ID),
			logx.Err(&Error{Kind: KindExecutionFailed, ID: w.ID, Err: err}),
			logx.Duration("retry_in", w.Interval.Min),
		)
		a.requeue(ctx, w.ID, w.Claim, now.Add(w.Interval.Min))
	}
}

// retire removes w if it is still current and frees its permit. It is the
// shared path for zombie cleanup, orphan cleanup and shutdown.
func (a *Acquisition) retire(w *ActiveWork) bool {
	if !a.active.remove(w) {
		return false
	}
	w.cancel()
	a.permits.Release(1)
	a.rec.SetActive(a.active.len())
	return true
}

// forget retires the local record for id if its claim expired before
// cutoff, the same test ReclaimExpired applies in the store. A record
// holding a newer claim belongs to a later run and is left alone.
func (a *Acquisition) forget(id string, cutoff time.Time) bool {
	w, ok := a.active.get(id)
	if !ok || w.Claim.Unix() >= cutoff.Unix() {
		return false
	}
	return a.retire(w)
}

func (a *Acquisition) requeue(ctx context.Context, id string, claim, at time.Time) {
	moved, err := a.store.Requeue(ctx, id, claim, at)
	if err != nil {
		a.deferWrite(id, deferred{claim: claim, at: at})
		a.warnf("requeue deferred", err, logx.String("id", id))
		return
	}
	if !moved {
		a.log.Debug("requeue found no matching claim", logx.String("id", id))
	}
}

func (a *Acquisition) release(ctx context.Context, id string, claim time.Time) {
	if _, err := a.store.Release(ctx, id, claim); err != nil {
		a.deferWrite(id, deferred{claim: claim, release: true})
		a.warnf("release deferred", err, logx.String("id", id))
	}
}

func (a *Acquisition) deferWrite(id string, d deferred) {
	a.pmu.Lock()
	a.pending[id] = d
	a.pmu.Unlock()
}

// flushPending retries deferred completion writes in id order. Entries are
// dropped once the store answers, whatever the answer.
func (a *Acquisition) flushPending(ctx context.Context) {
	a.pmu.Lock()
	if len(a.pending) == 0 {
		a.pmu.Unlock()
		return
	}
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.pmu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		a.pmu.Lock()
		d, ok := a.pending[id]
		a.pmu.Unlock()
		if !ok {
			continue
		}
		var err error
		if d.release {
			_, err = a.store.Release(ctx, id, d.claim)
		} else {
			_, err = a.store.Requeue(ctx, id, d.claim, d.at)
		}
		if err != nil {
			// Still down; keep the rest for the next tick.
			return
		}
		a.pmu.Lock()
		if cur, ok := a.pending[id]; ok && cur == d {
			delete(a.pending, id)
		}
		a.pmu.Unlock()
	}
}

// Shutdown stops claiming, waits for running executions until ctx is done,
// then hands whatever is still running back to the waiting set.
func (a *Acquisition) Shutdown(ctx context.Context) error {
	a.stopping.Store(true)
	for _, w := range a.active.snapshot() {
		select {
		case <-w.done:
		case <-ctx.Done():
		}
	}
	a.cancel()

	wctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
	defer cancel()
	now := a.now()
	released := 0
	for _, w := range a.active.snapshot() {
		if a.retire(w) {
			released++
			a.requeue(wctx, w.ID, w.Claim, now)
		}
	}
	a.flushPending(wctx)
	if released > 0 {
		a.log.Info("released in-flight work on shutdown", logx.Int("released", released))
	}
	if n := a.Pending(); n > 0 {
		a.log.Warn("store writes lost on shutdown; orphan cleanup will recover them", logx.Int("pending", n))
	}
	return ctx.Err()
}

func (a *Acquisition) warnf(msg string, err error, fields ...logx.Field) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, storage.ErrCircuitOpen) && !a.warn.Allow() {
		return
	}
	a.log.Warn(msg, append(fields, logx.Err(err))...)
}
