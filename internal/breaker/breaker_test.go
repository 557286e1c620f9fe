package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type event struct{ name, event, kind string }

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) BreakerEvent(name, ev, kind string) {
	r.mu.Lock()
	r.events = append(r.events, event{name, ev, kind})
	r.mu.Unlock()
}

func (r *recorder) count(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == ev {
			n++
		}
	}
	return n
}

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock, *recorder) {
	t.Helper()
	clk := newFakeClock()
	rec := &recorder{}
	b := New(Config{
		Name:             "redis",
		FailureThreshold: 3,
		Window:           10 * time.Second,
		Cooldown:         5 * time.Second,
		HalfOpenProbe:    2 * time.Second,
	}, WithClock(clk.Now), WithRecorder(rec))
	return b, clk, rec
}

func TestStartsClosed(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestTripsAtThreshold(t *testing.T) {
	b, _, rec := newTestBreaker(t)

	b.RecordFailure(KindConnection)
	b.RecordFailure(KindConnection)
	require.Equal(t, Closed, b.State(), "threshold-1 failures keep it closed")
	require.True(t, b.Allow())

	b.RecordFailure(KindTimeout)
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())

	require.Equal(t, 1, rec.count(EventTrip))
	require.Equal(t, 1, rec.count(EventBlocked))
	rec.mu.Lock()
	assert.Equal(t, event{"redis", EventTrip, KindTimeout}, rec.events[0])
	rec.mu.Unlock()

	st := b.Status()
	assert.Equal(t, "OPEN", st.State)
	assert.Equal(t, 0, st.Failures, "counter resets on trip")
	assert.Equal(t, 3, st.Threshold)
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b, clk, _ := newTestBreaker(t)

	b.RecordFailure(KindOther)
	b.RecordFailure(KindOther)
	clk.Advance(11 * time.Second)
	b.RecordFailure(KindOther)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Status().Failures)
}

func TestHalfOpenProbeThenRecover(t *testing.T) {
	b, clk, rec := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure(KindConnection)
	}
	require.Equal(t, Open, b.State())

	clk.Advance(4 * time.Second)
	require.False(t, b.Allow())

	clk.Advance(time.Second)
	require.True(t, b.Allow(), "first call after cooldown is the probe")
	require.Equal(t, HalfOpen, b.State())
	require.False(t, b.Allow(), "only one probe at a time")

	b.RecordSuccess()
	require.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Status().Failures)
	assert.Equal(t, 1, rec.count(EventRecovery))
	assert.True(t, b.Allow())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk, _ := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure(KindConnection)
	}
	clk.Advance(5 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure(KindTimeout)
	require.Equal(t, Open, b.State())

	// Cooldown restarts from the failed probe.
	clk.Advance(4 * time.Second)
	assert.False(t, b.Allow())
	clk.Advance(time.Second)
	assert.True(t, b.Allow())
}

func TestHalfOpenStaleProbeAdmitsAnother(t *testing.T) {
	b, clk, _ := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure(KindConnection)
	}
	clk.Advance(5 * time.Second)
	require.True(t, b.Allow())
	require.False(t, b.Allow())
	clk.Advance(2 * time.Second)
	assert.True(t, b.Allow())
}

func TestResetFromAnyState(t *testing.T) {
	b, clk, rec := newTestBreaker(t)

	b.RecordFailure(KindOther)
	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Status().Failures)
	assert.Zero(t, rec.count(EventReset), "closed to closed is not a reset")

	for i := 0; i < 3; i++ {
		b.RecordFailure(KindOther)
	}
	require.Equal(t, Open, b.State())
	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())

	for i := 0; i < 3; i++ {
		b.RecordFailure(KindOther)
	}
	clk.Advance(5 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())
	b.Reset()
	assert.Equal(t, Closed, b.State())

	assert.Equal(t, 2, rec.count(EventReset))
	assert.Equal(t, uint64(2), b.Stats().Resets)
	assert.Zero(t, rec.count(EventRecovery))
}

func TestStatsAreLive(t *testing.T) {
	b, clk, _ := newTestBreaker(t)

	require.True(t, b.Allow())
	require.True(t, b.Allow())
	for i := 0; i < 3; i++ {
		b.RecordFailure(KindOther)
	}
	require.False(t, b.Allow())

	st := b.Stats()
	assert.Equal(t, uint64(2), st.Allowed)
	assert.Equal(t, uint64(1), st.Blocked)
	assert.Equal(t, uint64(1), st.Trips)
	assert.Equal(t, "OPEN", st.State)
	assert.Equal(t, 5*time.Second, b.Status().CooldownRemaining)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 3*time.Second, b.Status().CooldownRemaining)
}

func TestConcurrentUse(t *testing.T) {
	b := New(Config{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if b.Allow() {
					b.RecordFailure(KindOther)
				}
				_ = b.Status()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, uint64(800), b.Stats().Allowed)
}
