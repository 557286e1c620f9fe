package scheduler

import "sync/atomic"

// Permits is a channel semaphore bounding in-flight executions.
// Tokens are pre-filled up to the limit.
type Permits struct {
	ch   chan struct{}
	over atomic.Int64
}

func NewPermits(limit int) *Permits {
	if limit <= 0 {
		limit = 1
	}
	p := &Permits{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		p.ch <- struct{}{}
	}
	return p
}

func (p *Permits) TryAcquire() bool {
	select {
	case <-p.ch:
		return true
	default:
		return false
	}
}

// TryAcquireN takes up to n permits without blocking and returns how many
// it got.
func (p *Permits) TryAcquireN(n int) int {
	got := 0
	for got < n && p.TryAcquire() {
		got++
	}
	return got
}

// Release returns n permits. Returning more than are held never blocks;
// the excess is counted in OverReleased.
func (p *Permits) Release(n int) {
	for i := 0; i < n; i++ {
		select {
		case p.ch <- struct{}{}:
		default:
			p.over.Add(1)
		}
	}
}

func (p *Permits) Cap() int { return cap(p.ch) }

func (p *Permits) Held() int { return cap(p.ch) - len(p.ch) }

// OverReleased counts releases that found the semaphore already full.
// Anything other than zero is an accounting bug.
func (p *Permits) OverReleased() int64 { return p.over.Load() }
