package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	p := NewPool(2, 4)
	p.Start()
	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(func() { ran.Add(1) }))
	}
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(4), ran.Load())
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1)
	p.Start()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(started); <-release }))
	<-started
	require.NoError(t, p.Submit(func() {}))

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, KindSubmissionRejected, KindOf(err))

	close(release)
	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolStopped)
}

func TestPoolHeapGuard(t *testing.T) {
	var heap atomic.Uint64
	p := NewPool(1, 1, WithHeapLimit(1024), withHeapReader(heap.Load))
	p.Start()
	defer func() { _ = p.Stop(context.Background()) }()

	heap.Store(4096)
	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, KindResourceExhausted, KindOf(err))

	heap.Store(512)
	assert.NoError(t, p.Submit(func() {}))
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool(1, 2)
	p.Start()
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { panic("boom") }))
	require.NoError(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolStopHonoursDeadline(t *testing.T) {
	p := NewPool(1, 0)
	p.Start()
	block := make(chan struct{})
	defer close(block)
	require.Eventually(t, func() bool { return p.Submit(func() { <-block }) == nil }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}

func TestPermits(t *testing.T) {
	t.Parallel()
	p := NewPermits(3)
	assert.Equal(t, 3, p.Cap())
	assert.Equal(t, 2, p.TryAcquireN(2))
	assert.Equal(t, 1, p.TryAcquireN(5))
	assert.False(t, p.TryAcquire())
	assert.Equal(t, 3, p.Held())

	p.Release(3)
	assert.Zero(t, p.Held())
	p.Release(1)
	assert.Equal(t, int64(1), p.OverReleased())
}
