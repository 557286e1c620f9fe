package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v4"
)

// ActiveWork is the local record of a claimed item that was handed to the
// executor. Each record owns exactly one permit.
type ActiveWork struct {
	ID    string
	RunID string
	// Claim is the working-set expiry the store recorded for this claim.
	Claim    time.Time
	Started  time.Time
	Interval Interval

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the execution returns.
func (w *ActiveWork) Done() <-chan struct{} { return w.done }

func newActiveWork(id string, iv Interval, claim, started time.Time) *ActiveWork {
	return &ActiveWork{
		ID:       id,
		RunID:    ulid.Make().String(),
		Claim:    claim,
		Started:  started,
		Interval: iv,
		cancel:   func() {},
		done:     make(chan struct{}),
	}
}

// activeSet maps item id to its record. Removal is compare-and-delete on
// the record pointer so only one path can retire a given run.
type activeSet struct {
	m *xsync.Map[string, *ActiveWork]
}

func newActiveSet() *activeSet {
	return &activeSet{m: xsync.NewMap[string, *ActiveWork]()}
}

// insert adds w unless the id already has a record.
func (s *activeSet) insert(w *ActiveWork) bool {
	_, loaded := s.m.LoadOrStore(w.ID, w)
	return !loaded
}

// remove deletes w if it is still the record for its id.
func (s *activeSet) remove(w *ActiveWork) bool {
	removed := false
	s.m.Compute(w.ID, func(old *ActiveWork, loaded bool) (*ActiveWork, xsync.ComputeOp) {
		if loaded && old == w {
			removed = true
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	return removed
}

func (s *activeSet) get(id string) (*ActiveWork, bool) { return s.m.Load(id) }

func (s *activeSet) has(id string) bool {
	_, ok := s.m.Load(id)
	return ok
}

func (s *activeSet) len() int { return s.m.Size() }

// snapshot returns records ordered by start time.
func (s *activeSet) snapshot() []*ActiveWork {
	out := make([]*ActiveWork, 0, s.m.Size())
	s.m.Range(func(_ string, w *ActiveWork) bool {
		out = append(out, w)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
