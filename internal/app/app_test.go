package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentsched/internal/breaker"
	"agentsched/internal/config"
	"agentsched/internal/scheduler"
	"agentsched/internal/storage"
	logx "agentsched/pkg/logx"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxConcurrentAgents: 4,
		IntervalMs:          20,
		Pod:                 config.PodConfig{ID: "pod-a"},
		ZombieCleanup:       config.ZombieCleanupConfig{Enabled: true},
		OrphanCleanup:       config.OrphanCleanupConfig{Enabled: true},
		Executor:            config.ExecutorConfig{Workers: 4, DrainTimeout: "1s"},
		Store:               config.StoreConfig{ConnectTimeout: "2s"},
		Agents:              []config.AgentConfig{{ID: "acct-1/demo", IntervalMs: 60_000}},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *miniredis.Miniredis, *storage.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := storage.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), storage.Keys{}, logx.Nop())
	a, err := NewFromConfig(cfg, WithStore(st), WithLogger(logx.Nop()))
	require.NoError(t, err)
	return a, mr, st
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func TestAppRunsRegisteredWork(t *testing.T) {
	a, _, st := newTestApp(t, testConfig())

	ran := make(chan string, 4)
	require.NoError(t, a.Register(scheduler.Registration{
		ID:       "acct-2/report",
		Interval: scheduler.Interval{Ideal: time.Hour},
		Run: func(context.Context) error {
			ran <- "acct-2/report"
			return nil
		},
	}))

	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	select {
	case id := <-ran:
		assert.Equal(t, "acct-2/report", id)
	case <-time.After(5 * time.Second):
		t.Fatal("registered work never ran")
	}

	// After success the item goes back to waiting one Ideal interval out.
	require.Eventually(t, func() bool {
		at, ok, err := st.WaitingScore(context.Background(), "acct-2/report")
		return err == nil && ok && at.After(time.Now().Add(50*time.Minute))
	}, 5*time.Second, 20*time.Millisecond)

	snap := a.Snapshot(context.Background())
	assert.Equal(t, "pod-a", snap.PodID)
	assert.Equal(t, 1, snap.PodCount)
	assert.Equal(t, 2, snap.Registered)
	assert.Equal(t, 4, snap.Permits.Capacity)
	assert.Zero(t, snap.Permits.OverReleased)
	require.NotNil(t, snap.Store)
	assert.Equal(t, breaker.Closed.String(), snap.Breaker.State)
	assert.True(t, snap.Cleanup.ZombieEnabled)
}

func TestAppRegisterAfterStartSeedsWaiting(t *testing.T) {
	a, _, st := newTestApp(t, testConfig())
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, a.Register(scheduler.Registration{
		ID:       "acct-3/late",
		Interval: scheduler.Interval{Ideal: time.Hour},
		Run: func(ctx context.Context) error {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil
		},
	}))

	require.Eventually(t, func() bool {
		_, ok, err := st.WorkingScore(context.Background(), "acct-3/late")
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAppStopRequeuesRunningWork(t *testing.T) {
	cfg := testConfig()
	cfg.Executor.DrainTimeout = "50ms"
	a, mr, _ := newTestApp(t, cfg)

	started := make(chan struct{}, 1)
	require.NoError(t, a.Register(scheduler.Registration{
		ID:       "acct-4/slow",
		Interval: scheduler.Interval{Ideal: time.Hour},
		Run: func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, a.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("work never started")
	}
	stopApp(t, a)

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	working, err := mr.ZMembers("working")
	if err == nil {
		assert.NotContains(t, working, "acct-4/slow")
	}
	waiting, err := mr.ZMembers("waiting")
	require.NoError(t, err)
	assert.Contains(t, waiting, "acct-4/slow")
}

func TestAppStartFailsWhenStoreUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Store.ConnectTimeout = "300ms"
	a, mr, _ := newTestApp(t, cfg)
	mr.Close()

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")
}

func TestReadyFollowsBreakerAndStore(t *testing.T) {
	a, mr, _ := newTestApp(t, testConfig())
	ctx := context.Background()
	require.NoError(t, a.Ready(ctx))

	for i := 0; i < 5; i++ {
		a.cb.RecordFailure(breaker.KindTimeout)
	}
	require.ErrorIs(t, a.Ready(ctx), storage.ErrCircuitOpen)

	a.ResetBreaker()
	require.NoError(t, a.Ready(ctx))
	assert.Equal(t, uint64(1), a.cb.Stats().Resets)
	assert.Equal(t, 1.0, breakerEventCount(t, a, breaker.EventReset))

	mr.Close()
	require.Error(t, a.Ready(ctx))
}

func breakerEventCount(t *testing.T, a *App, event string) float64 {
	t.Helper()
	mfs, err := a.Gatherer().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range mfs {
		if mf.GetName() != "agentsched_circuit_breaker_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "event" && lp.GetValue() == event {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestApplyConfigLiveSections(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())
	require.True(t, a.registry.Enabled("acct-1/demo"))

	next := *a.cfg
	next.DisabledPattern = "^acct-1/"
	next.ZombieCleanup.Enabled = false
	a.applyConfig(context.Background(), config.NewUpdate(a.cfg, &next))

	assert.False(t, a.registry.Enabled("acct-1/demo"))
	assert.False(t, a.zombie.Enabled())
	assert.True(t, a.orphan.Enabled())
	assert.Same(t, &next, a.cfg)

	// A bad pattern keeps the previous ones.
	bad := next
	bad.DisabledPattern = "("
	a.applyConfig(context.Background(), config.NewUpdate(&next, &bad))
	assert.False(t, a.registry.Enabled("acct-1/demo"))
}

func TestGathererExposesSchedulerMetrics(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())
	mfs, err := a.Gatherer().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["agentsched_active_agents"])
	assert.True(t, names["agentsched_pod_count"])
	assert.True(t, names["go_goroutines"])
}

func TestNewAppFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "store:\n  driver: sqlite\n  sqlite:\n    path: " + filepath.Join(dir, "sched.db") + "\n" +
		"agents:\n  - id: acct-1/demo\n    intervalMs: 1000\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	a, err := NewApp(path, WithLogger(logx.Nop()))
	require.NoError(t, err)
	defer a.store.Close()

	assert.NotNil(t, a.cfgm)
	assert.Equal(t, 1, a.registry.Len())
	host, _ := os.Hostname()
	if host != "" {
		assert.True(t, strings.HasPrefix(a.PodID(), host+"-"), a.PodID())
	}
	require.NoError(t, a.store.Ping(context.Background()))
}

func TestPollPeriod(t *testing.T) {
	tests := []struct {
		interval, want time.Duration
	}{
		{time.Minute, 15 * time.Second},
		{2 * time.Second, time.Second},
		{500 * time.Millisecond, 500 * time.Millisecond},
		{time.Hour, 15 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pollPeriod(tt.interval), tt.interval.String())
	}
}

func TestSpreadScheduleFirstRun(t *testing.T) {
	now := time.Now()
	sched, jitter := intervalScheduleWithSpread(10*time.Second, now, "zombie")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 10*time.Second)

	first := sched.Next(now)
	assert.Equal(t, now.Add(jitter), first)
	second := sched.Next(first)
	assert.True(t, second.After(first))
}

func TestTriggersRunJobs(t *testing.T) {
	var runs atomic.Int32
	tr := newTriggers(logx.Nop(), cleanupJob{
		name:     "count",
		interval: time.Second,
		run: func(context.Context, time.Time) bool {
			runs.Add(1)
			return true
		},
	})
	tr.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tr.Stop(ctx)
	tr.Stop(ctx)
}

func TestKVFields(t *testing.T) {
	assert.Len(t, kvFields([]interface{}{"a", 1, "b", "x"}), 2)
	assert.Len(t, kvFields([]interface{}{"dangling"}), 0)
}
