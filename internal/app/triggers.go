package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "agentsched/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

// cleanupJob is fired by the cron runner. run enforces the real cadence
// itself, so the cron period only bounds how late a pass can start.
type cleanupJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context, now time.Time) bool
}

// triggers drives the periodic cleanups from a robfig/cron runner.
type triggers struct {
	log  logx.Logger
	jobs []cleanupJob

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

func newTriggers(log logx.Logger, jobs ...cleanupJob) *triggers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &triggers{log: log, jobs: jobs}
}

// pollPeriod is a quarter of the cadence, clamped to [1s, interval].
func pollPeriod(interval time.Duration) time.Duration {
	p := interval / 4
	if p < time.Second {
		p = time.Second
	}
	if interval > 0 && p > interval {
		p = interval
	}
	return p
}

func (t *triggers) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}

	cl := cronLogger{log: t.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	runCtx, cancel := context.WithCancel(ctx)

	now := time.Now()
	for _, j := range t.jobs {
		j := j
		every := pollPeriod(j.interval)
		sched, jitter := intervalScheduleWithSpread(every, now, j.name)
		c.Schedule(sched, cron.FuncJob(func() {
			if runCtx.Err() != nil {
				return
			}
			if j.run(runCtx, time.Now()) {
				t.log.Debug("cleanup pass", logx.String("job", j.name))
			}
		}))
		t.log.Debug("cleanup trigger scheduled",
			logx.String("job", j.name),
			logx.Duration("every", every),
			logx.Duration("spread", jitter),
		)
	}
	c.Start()
	t.c = c
	t.cancel = cancel
}

// Stop waits for running jobs until ctx is done.
func (t *triggers) Stop(ctx context.Context) {
	t.mu.Lock()
	c, cancel := t.c, t.cancel
	t.c, t.cancel = nil, nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		t.log.Warn("cleanup triggers stop timed out")
	}
}

// startupSpreadSchedule overrides the first run time of a base schedule so
// pods started together do not hit the store in lockstep.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

func intervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := every
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return base, 0
	}

	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	return &startupSpreadSchedule{base: base, first: now.Add(jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
