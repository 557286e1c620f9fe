package app

import (
	"context"
	"time"

	"agentsched/internal/breaker"
	"agentsched/internal/runtime/supervisor"
	"agentsched/internal/storage"
)

// Status is the document served at /status.
type Status struct {
	PodID    string    `json:"pod_id"`
	Started  time.Time `json:"started"`
	PodCount int       `json:"pod_count"`
	PodIndex int       `json:"pod_index"`
	Peers    []string  `json:"peers"`

	Permits PermitStatus   `json:"permits"`
	Active  []ActiveStatus `json:"active"`
	// PendingWrites are store writes deferred while the store was failing.
	PendingWrites int `json:"pending_writes"`

	Store      *storage.Counts `json:"store,omitempty"`
	StoreError string          `json:"store_error,omitempty"`

	Breaker      breaker.Status      `json:"breaker"`
	BreakerStats breaker.Stats       `json:"breaker_stats"`
	Cleanup      CleanupStatus       `json:"cleanup"`
	Supervisor   supervisor.Snapshot `json:"supervisor"`
	Registered   int                 `json:"registered"`
}

type PermitStatus struct {
	Held         int   `json:"held"`
	Capacity     int   `json:"capacity"`
	OverReleased int64 `json:"over_released,omitempty"`
}

type ActiveStatus struct {
	ID      string        `json:"id"`
	RunID   string        `json:"run_id"`
	Started time.Time     `json:"started"`
	Age     time.Duration `json:"age"`
}

type CleanupStatus struct {
	ZombieEnabled bool      `json:"zombie_enabled"`
	ZombieLastRun time.Time `json:"zombie_last_run,omitempty"`
	OrphanEnabled bool      `json:"orphan_enabled"`
	OrphanLastRun time.Time `json:"orphan_last_run,omitempty"`
}

// Ready fails while the breaker is open or the store does not answer.
func (a *App) Ready(ctx context.Context) error {
	if a.cb.State() == breaker.Open {
		return storage.ErrCircuitOpen
	}
	return a.guarded.Ping(ctx)
}

func (a *App) Status(ctx context.Context) any {
	return a.Snapshot(ctx)
}

// ResetBreaker is the admin override that forces the store breaker closed.
func (a *App) ResetBreaker() { a.cb.Reset() }

// Snapshot collects the pod's current view. Store counts are best effort.
func (a *App) Snapshot(ctx context.Context) Status {
	now := time.Now()
	st := Status{
		PodID:    a.podID,
		Started:  a.started,
		PodCount: a.observer.PodCount(),
		PodIndex: a.observer.PodIndex(),
		Peers:    a.observer.Peers(),
		Permits: PermitStatus{
			Held:         a.acq.Held(),
			Capacity:     a.acq.Permits().Cap(),
			OverReleased: a.acq.Permits().OverReleased(),
		},
		PendingWrites: a.acq.Pending(),
		Breaker:       a.cb.Status(),
		BreakerStats:  a.cb.Stats(),
		Cleanup: CleanupStatus{
			ZombieEnabled: a.zombie.Enabled(),
			ZombieLastRun: a.zombie.LastRun(),
			OrphanEnabled: a.orphan.Enabled(),
			OrphanLastRun: a.orphan.LastRun(),
		},
		Supervisor: a.sup.Snapshot(),
		Registered: a.registry.Len(),
	}
	for _, w := range a.acq.Active() {
		st.Active = append(st.Active, ActiveStatus{
			ID:      w.ID,
			RunID:   w.RunID,
			Started: w.Started,
			Age:     now.Sub(w.Started),
		})
	}
	if counts, err := a.guarded.Counts(ctx); err != nil {
		st.StoreError = err.Error()
	} else {
		st.Store = &counts
	}
	return st
}
