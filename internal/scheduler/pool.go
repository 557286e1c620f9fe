package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/metrics"
	"sync"

	logx "agentsched/pkg/logx"
)

// Executor runs submitted functions asynchronously.
type Executor interface {
	Submit(fn func()) error
}

// Pool is a fixed set of workers behind a bounded queue.
type Pool struct {
	log      logx.Logger
	tasks    chan func()
	workers  int
	heapMax  uint64
	heapRead func() uint64

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

type PoolOption func(*Pool)

// WithHeapLimit rejects submissions with ErrResourceExhausted while live
// heap objects exceed limit bytes. Zero disables the guard.
func WithHeapLimit(limit uint64) PoolOption { return func(p *Pool) { p.heapMax = limit } }

func WithPoolLogger(log logx.Logger) PoolOption { return func(p *Pool) { p.log = log } }

// withHeapReader replaces the heap sampler in tests.
func withHeapReader(fn func() uint64) PoolOption { return func(p *Pool) { p.heapRead = fn } }

// NewPool creates a pool with the given number of workers and queue slots.
// A zero queue means submissions only succeed while a worker is idle.
func NewPool(workers, queue int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		log:      logx.Nop(),
		tasks:    make(chan func(), queue),
		workers:  workers,
		heapRead: liveHeapBytes,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	// Keep the worker alive even if fn does not guard itself.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pool task panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return fmt.Errorf("%w: pool not started", ErrRejected)
	}
	if p.heapMax > 0 {
		if used := p.heapRead(); used > p.heapMax {
			return fmt.Errorf("%w: heap %d > %d bytes", ErrResourceExhausted, used, p.heapMax)
		}
	}
	select {
	case p.tasks <- fn:
		return nil
	default:
		return ErrRejected
	}
}

func (p *Pool) Workers() int { return p.workers }

// Queued is the number of submitted functions not yet picked up.
func (p *Pool) Queued() int { return len(p.tasks) }

// Stop refuses new work and waits for queued and running functions until
// ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func liveHeapBytes() uint64 {
	s := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}
