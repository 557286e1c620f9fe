// Package pods tracks live scheduler pods and decides which work items this
// pod owns.
package pods

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"agentsched/internal/sharding"
	logx "agentsched/pkg/logx"
)

// Membership is the slice of the shared store the observer needs.
type Membership interface {
	Heartbeat(ctx context.Context, pod string, ttl time.Duration) error
	LivePods(ctx context.Context) ([]string, error)
}

// ViewRecorder is notified whenever the membership view changes.
type ViewRecorder interface {
	SetPodView(count, index int)
}

type Config struct {
	PodID string
	// CoreNamespace items bypass sharding and always run locally.
	CoreNamespace     string
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 3 * c.HeartbeatInterval
	}
	return c
}

type view struct {
	peers []string
	index int
}

type Observer struct {
	cfg      Config
	store    Membership
	strategy sharding.Strategy
	keys     sharding.KeyExtractor
	rec      ViewRecorder
	log      logx.Logger
	warn     *rate.Limiter

	cur atomic.Pointer[view]

	mu          sync.Mutex
	lastRefresh time.Time
}

func New(cfg Config, store Membership, strategy sharding.Strategy, keys sharding.KeyExtractor, rec ViewRecorder, log logx.Logger) *Observer {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Observer{
		cfg:      cfg.withDefaults(),
		store:    store,
		strategy: strategy,
		keys:     keys,
		rec:      rec,
		log:      log,
		warn:     rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	// Alone until the first refresh says otherwise.
	o.cur.Store(&view{peers: []string{cfg.PodID}, index: 0})
	return o
}

func (o *Observer) PodID() string { return o.cfg.PodID }

// Heartbeat refreshes this pod's membership entry and then the peer view.
func (o *Observer) Heartbeat(ctx context.Context) error {
	if err := o.store.Heartbeat(ctx, o.cfg.PodID, o.cfg.HeartbeatTTL); err != nil {
		return err
	}
	return o.Refresh(ctx)
}

// Refresh re-reads live pods and recomputes count and index.
// The pod itself is always part of the view.
func (o *Observer) Refresh(ctx context.Context) error {
	live, err := o.store.LivePods(ctx)
	if err != nil {
		return err
	}
	peers := make([]string, 0, len(live)+1)
	self := false
	for _, p := range live {
		if p == o.cfg.PodID {
			self = true
		}
		peers = append(peers, p)
	}
	if !self {
		peers = append(peers, o.cfg.PodID)
	}
	sort.Strings(peers)
	idx := sort.SearchStrings(peers, o.cfg.PodID)

	prev := o.cur.Load()
	o.cur.Store(&view{peers: peers, index: idx})
	o.mu.Lock()
	o.lastRefresh = time.Now()
	o.mu.Unlock()

	if prev == nil || len(prev.peers) != len(peers) || prev.index != idx {
		o.log.Info("pod membership changed",
			logx.Int("pod_count", len(peers)),
			logx.Int("pod_index", idx),
			logx.Strings("peers", peers),
		)
		if o.rec != nil {
			o.rec.SetPodView(len(peers), idx)
		}
	}
	return nil
}

func (o *Observer) PodCount() int { return len(o.cur.Load().peers) }

func (o *Observer) PodIndex() int { return o.cur.Load().index }

// Peers returns a copy of the sorted membership view.
func (o *Observer) Peers() []string {
	return append([]string(nil), o.cur.Load().peers...)
}

func (o *Observer) LastRefresh() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRefresh
}

// Filter reports whether this pod owns the work item right now.
func (o *Observer) Filter(id string) bool {
	if o.cfg.CoreNamespace != "" && sharding.Namespace(id) == o.cfg.CoreNamespace {
		return true
	}
	v := o.cur.Load()
	if len(v.peers) <= 1 {
		return true
	}
	return o.strategy.AssignShard(o.keys.ExtractKey(id), len(v.peers)) == v.index
}

// Run heartbeats on a fixed interval until ctx is done. Failures are logged
// and the last known view is kept.
func (o *Observer) Run(ctx context.Context) error {
	t := time.NewTicker(o.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		if err := o.Heartbeat(ctx); err != nil && ctx.Err() == nil && o.warn.Allow() {
			o.log.Warn("heartbeat failed; keeping last membership view",
				logx.Err(err),
				logx.Int("pod_count", o.PodCount()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
