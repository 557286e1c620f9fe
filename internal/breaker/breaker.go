// Package breaker implements the circuit breaker guarding shared-store calls.
//
// CLOSED counts failures inside a rolling window and trips to OPEN at the
// threshold. OPEN rejects until the cooldown elapses, then the next Allow
// moves to HALF_OPEN and admits a single probe. The probe outcome decides
// between CLOSED and a fresh OPEN period.
package breaker

import (
	"sync"
	"time"

	logx "agentsched/pkg/logx"
)

type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Event names reported to the Recorder.
const (
	EventTrip     = "trip"
	EventBlocked  = "blocked"
	EventRecovery = "recovery"
	// EventReset is an operator forcing CLOSED out of OPEN or HALF_OPEN.
	EventReset = "reset"
)

// Failure kinds used by callers to tag RecordFailure.
const (
	KindTimeout    = "timeout"
	KindConnection = "connection"
	KindScript     = "script"
	KindOther      = "other"
)

// Recorder receives breaker transitions. Implementations must not block.
type Recorder interface {
	BreakerEvent(name, event, kind string)
}

type Config struct {
	Name             string
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	// HalfOpenProbe bounds how long a single probe may stay unresolved
	// before another one is admitted.
	HalfOpenProbe time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "store"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenProbe <= 0 {
		c.HalfOpenProbe = 10 * time.Second
	}
	return c
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func WithRecorder(r Recorder) Option { return func(b *Breaker) { b.rec = r } }

func WithLogger(log logx.Logger) Option { return func(b *Breaker) { b.log = log } }

type Breaker struct {
	cfg Config
	now func() time.Time
	rec Recorder
	log logx.Logger

	mu          sync.Mutex
	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probeAt     time.Time
	lastKind    string

	allowed    uint64
	blocked    uint64
	trips      uint64
	recoveries uint64
	resets     uint64
}

func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.cfg.Name }

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	now := b.now()
	var (
		ok    bool
		event string
		kind  string
		from  State
	)
	switch b.state {
	case Closed:
		ok = true
	case Open:
		if now.Sub(b.openedAt) >= b.cfg.Cooldown {
			from = b.state
			b.state = HalfOpen
			b.probeAt = now
			ok = true
		} else {
			event, kind = EventBlocked, b.lastKind
		}
	case HalfOpen:
		if now.Sub(b.probeAt) >= b.cfg.HalfOpenProbe {
			b.probeAt = now
			ok = true
		} else {
			event, kind = EventBlocked, b.lastKind
		}
	}
	if ok {
		b.allowed++
	} else {
		b.blocked++
	}
	b.mu.Unlock()

	if from == Open {
		b.log.Info("circuit half-open; admitting probe", logx.String("breaker", b.cfg.Name))
	}
	b.emit(event, kind)
	return ok
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	recovered := false
	kind := b.lastKind
	if b.state == HalfOpen {
		b.state = Closed
		b.failures = 0
		b.windowStart = time.Time{}
		b.recoveries++
		recovered = true
	}
	b.mu.Unlock()

	if recovered {
		b.log.Info("circuit closed", logx.String("breaker", b.cfg.Name))
		b.emit(EventRecovery, kind)
	}
}

// RecordFailure reports a failed call tagged with its kind.
func (b *Breaker) RecordFailure(kind string) {
	if kind == "" {
		kind = KindOther
	}
	b.mu.Lock()
	now := b.now()
	tripped := false
	switch b.state {
	case Closed:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.tripLocked(now, kind)
			tripped = true
		}
	case HalfOpen:
		b.tripLocked(now, kind)
		tripped = true
	case Open:
		// Late result from a call admitted before the trip.
	}
	b.mu.Unlock()

	if tripped {
		b.log.Warn("circuit opened",
			logx.String("breaker", b.cfg.Name),
			logx.String("kind", kind),
			logx.Duration("cooldown", b.cfg.Cooldown),
		)
		b.emit(EventTrip, kind)
	}
}

func (b *Breaker) tripLocked(now time.Time, kind string) {
	b.state = Open
	b.openedAt = now
	b.failures = 0
	b.windowStart = time.Time{}
	b.lastKind = kind
	b.trips++
}

// Reset forces CLOSED from any state. Leaving OPEN or HALF_OPEN counts as
// a reset and is reported to the Recorder.
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.state
	kind := b.lastKind
	b.state = Closed
	b.failures = 0
	b.windowStart = time.Time{}
	b.openedAt = time.Time{}
	b.probeAt = time.Time{}
	if prev != Closed {
		b.resets++
	}
	b.mu.Unlock()
	if prev != Closed {
		b.log.Warn("circuit reset", logx.String("breaker", b.cfg.Name), logx.String("from", prev.String()))
		b.emit(EventReset, kind)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) emit(event, kind string) {
	if event == "" || b.rec == nil {
		return
	}
	if kind == "" {
		kind = KindOther
	}
	b.rec.BreakerEvent(b.cfg.Name, event, kind)
}

// Status is the current breaker state.
type Status struct {
	Name              string        `json:"name"`
	State             string        `json:"state"`
	Failures          int           `json:"failures"`
	Threshold         int           `json:"threshold"`
	LastFailureKind   string        `json:"last_failure_kind,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// Stats are cumulative counters since construction.
type Stats struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Allowed    uint64 `json:"allowed"`
	Blocked    uint64 `json:"blocked"`
	Trips      uint64 `json:"trips"`
	Recoveries uint64 `json:"recoveries"`
	Resets     uint64 `json:"resets"`
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Name:            b.cfg.Name,
		State:           b.state.String(),
		Failures:        b.failures,
		Threshold:       b.cfg.FailureThreshold,
		LastFailureKind: b.lastKind,
	}
	if b.state == Open {
		if rem := b.cfg.Cooldown - b.now().Sub(b.openedAt); rem > 0 {
			st.CooldownRemaining = rem
		}
	}
	return st
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:       b.cfg.Name,
		State:      b.state.String(),
		Allowed:    b.allowed,
		Blocked:    b.blocked,
		Trips:      b.trips,
		Recoveries: b.recoveries,
		Resets:     b.resets,
	}
}
