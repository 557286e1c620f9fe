package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"agentsched/internal/breaker"
)

// Guarded gates every call on the inner Store through a circuit breaker.
// While the breaker is open calls fail fast with ErrCircuitOpen.
type Guarded struct {
	inner Store
	cb    *breaker.Breaker
}

func NewGuarded(inner Store, cb *breaker.Breaker) *Guarded {
	return &Guarded{inner: inner, cb: cb}
}

func (g *Guarded) Breaker() *breaker.Breaker { return g.cb }

// Inner returns the unguarded store.
func (g *Guarded) Inner() Store { return g.inner }

func guard[T any](ctx context.Context, g *Guarded, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !g.cb.Allow() {
		return zero, ErrCircuitOpen
	}
	v, err := fn(ctx)
	g.record(ctx, err)
	return v, err
}

func (g *Guarded) record(ctx context.Context, err error) {
	switch {
	case err == nil:
		g.cb.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Caller gave up; says nothing about store health.
	default:
		g.cb.RecordFailure(ClassifyError(err))
	}
}

// ClassifyError maps a store error to a breaker failure kind.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return breaker.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return breaker.KindTimeout
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return breaker.KindConnection
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return breaker.KindConnection
	}
	msg := err.Error()
	if strings.Contains(msg, "NOSCRIPT") || strings.Contains(msg, "script") || strings.Contains(msg, "SQL logic error") {
		return breaker.KindScript
	}
	return breaker.KindOther
}

func (g *Guarded) ClaimBatch(ctx context.Context, req ClaimRequest) ([]string, error) {
	return guard(ctx, g, func(ctx context.Context) ([]string, error) { return g.inner.ClaimBatch(ctx, req) })
}

func (g *Guarded) Release(ctx context.Context, id string, claim time.Time) (bool, error) {
	return guard(ctx, g, func(ctx context.Context) (bool, error) { return g.inner.Release(ctx, id, claim) })
}

func (g *Guarded) Requeue(ctx context.Context, id string, claim, at time.Time) (bool, error) {
	return guard(ctx, g, func(ctx context.Context) (bool, error) { return g.inner.Requeue(ctx, id, claim, at) })
}

func (g *Guarded) Schedule(ctx context.Context, id string, at time.Time) (bool, error) {
	return guard(ctx, g, func(ctx context.Context) (bool, error) { return g.inner.Schedule(ctx, id, at) })
}

func (g *Guarded) Repopulate(ctx context.Context, ids []string, at time.Time) (int, error) {
	return guard(ctx, g, func(ctx context.Context) (int, error) { return g.inner.Repopulate(ctx, ids, at) })
}

func (g *Guarded) ReclaimExpired(ctx context.Context, cutoff, requeueAt time.Time, limit int) ([]string, error) {
	return guard(ctx, g, func(ctx context.Context) ([]string, error) {
		return g.inner.ReclaimExpired(ctx, cutoff, requeueAt, limit)
	})
}

func (g *Guarded) Ready(ctx context.Context, now time.Time, offset, limit int) ([]string, error) {
	return guard(ctx, g, func(ctx context.Context) ([]string, error) { return g.inner.Ready(ctx, now, offset, limit) })
}

func (g *Guarded) WaitingScore(ctx context.Context, id string) (time.Time, bool, error) {
	var ok bool
	t, err := guard(ctx, g, func(ctx context.Context) (time.Time, error) {
		t, found, err := g.inner.WaitingScore(ctx, id)
		ok = found
		return t, err
	})
	return t, ok, err
}

func (g *Guarded) WorkingScore(ctx context.Context, id string) (time.Time, bool, error) {
	var ok bool
	t, err := guard(ctx, g, func(ctx context.Context) (time.Time, error) {
		t, found, err := g.inner.WorkingScore(ctx, id)
		ok = found
		return t, err
	})
	return t, ok, err
}

func (g *Guarded) Counts(ctx context.Context) (Counts, error) {
	return guard(ctx, g, g.inner.Counts)
}

func (g *Guarded) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	return guard(ctx, g, func(ctx context.Context) (bool, error) {
		return g.inner.AcquireLeadership(ctx, holder, ttl)
	})
}

func (g *Guarded) Heartbeat(ctx context.Context, pod string, ttl time.Duration) error {
	_, err := guard(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Heartbeat(ctx, pod, ttl)
	})
	return err
}

func (g *Guarded) LivePods(ctx context.Context) ([]string, error) {
	return guard(ctx, g, g.inner.LivePods)
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := guard(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Ping(ctx)
	})
	return err
}

func (g *Guarded) Close() error { return g.inner.Close() }
