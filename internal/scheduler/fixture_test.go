package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"agentsched/internal/metrics"
	"agentsched/internal/storage"
	logx "agentsched/pkg/logx"
)

var t0 = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// manualExec queues submitted functions until the test runs them.
type manualExec struct {
	mu  sync.Mutex
	fns []func()
	err error
}

func (m *manualExec) Submit(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.fns = append(m.fns, fn)
	return nil
}

func (m *manualExec) runAll() int {
	m.mu.Lock()
	fns := m.fns
	m.fns = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

type countingRecorder struct {
	metrics.Nop
	mu        sync.Mutex
	failures  map[string]int
	outcomes  map[string]int
	reclaimed map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		failures:  map[string]int{},
		outcomes:  map[string]int{},
		reclaimed: map[string]int{},
	}
}

func (r *countingRecorder) SubmissionFailure(reason string) {
	r.mu.Lock()
	r.failures[reason]++
	r.mu.Unlock()
}

func (r *countingRecorder) ExecutionCompleted(outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes[outcome]++
	r.mu.Unlock()
}

func (r *countingRecorder) Reclaimed(source string, n int) {
	r.mu.Lock()
	r.reclaimed[source] += n
	r.mu.Unlock()
}

func (r *countingRecorder) get(m map[string]int, k string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[k]
}

type fixture struct {
	mr    *miniredis.Miniredis
	store *storage.RedisStore
	reg   *Registry
	exec  *manualExec
	clock *fakeClock
	rec   *countingRecorder
	acq   *Acquisition
}

func newTestStore(t *testing.T) (*miniredis.Miniredis, *storage.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := storage.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), storage.Keys{}, logx.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	mr, s := newTestStore(t)
	return newFixtureOn(t, mr, s, s, cfg, opts...)
}

func newFixtureOn(t *testing.T, mr *miniredis.Miniredis, rs *storage.RedisStore, s storage.Store, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		mr:    mr,
		store: rs,
		reg:   NewRegistry(),
		exec:  &manualExec{},
		clock: newFakeClock(t0),
		rec:   newCountingRecorder(),
	}
	opts = append([]Option{WithClock(f.clock.Now), WithRecorder(f.rec)}, opts...)
	f.acq = NewAcquisition(cfg, s, f.reg, f.exec, opts...)
	return f
}

var testInterval = Interval{Min: 10 * time.Second, Ideal: time.Minute, Timeout: 30 * time.Second}

func (f *fixture) register(t *testing.T, run ExecFunc, ids ...string) {
	t.Helper()
	if run == nil {
		run = func(context.Context) error { return nil }
	}
	for _, id := range ids {
		require.NoError(t, f.reg.Register(Registration{ID: id, Interval: testInterval, Run: run}))
	}
	_, err := f.acq.Repopulate(context.Background(), t0)
	require.NoError(t, err)
}

func (f *fixture) waiting(t *testing.T, id string) (time.Time, bool) {
	t.Helper()
	at, ok, err := f.store.WaitingScore(context.Background(), id)
	require.NoError(t, err)
	return at, ok
}

func (f *fixture) working(t *testing.T, id string) bool {
	t.Helper()
	_, ok, err := f.store.WorkingScore(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func activeIDs(a *Acquisition) []string {
	var out []string
	for _, w := range a.Active() {
		out = append(out, w.ID)
	}
	return out
}

// hookStore runs each callback once, right after the wrapped call returns.
type hookStore struct {
	storage.Store
	afterClaim   func()
	afterReclaim func()
}

func (s *hookStore) ClaimBatch(ctx context.Context, req storage.ClaimRequest) ([]string, error) {
	ids, err := s.Store.ClaimBatch(ctx, req)
	if fn := s.afterClaim; fn != nil {
		s.afterClaim = nil
		fn()
	}
	return ids, err
}

func (s *hookStore) ReclaimExpired(ctx context.Context, cutoff, requeueAt time.Time, limit int) ([]string, error) {
	ids, err := s.Store.ReclaimExpired(ctx, cutoff, requeueAt, limit)
	if fn := s.afterReclaim; fn != nil {
		s.afterReclaim = nil
		fn()
	}
	return ids, err
}
