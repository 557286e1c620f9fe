package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "agentsched/pkg/logx"
)

var (
	ErrClosed      = errors.New("storage closed")
	ErrCircuitOpen = errors.New("storage unavailable: circuit breaker open")
)

// Claim names one item to claim together with its claim timeout.
type Claim struct {
	ID      string
	Timeout time.Duration
}

// ClaimRequest describes one atomic claim.
//
// With Only empty, up to N ready items are popped from waiting in score
// order. Otherwise only the listed ids that are still waiting and ready are
// claimed, up to N. Each claimed item's working score is Now plus its own
// Timeout, or DefaultTimeout when that is zero.
type ClaimRequest struct {
	N              int
	Now            time.Time
	DefaultTimeout time.Duration
	Only           []Claim
}

type Counts struct {
	Waiting int64 `json:"waiting"`
	Working int64 `json:"working"`
}

// Store is the shared-state API used by the scheduler.
type Store interface {
	// ClaimBatch atomically moves ready items from waiting to working.
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]string, error)
	// Release removes id from working. It reports whether anything was
	// removed. A non-zero claim restricts the removal to the claim that
	// expires at exactly that time.
	Release(ctx context.Context, id string, claim time.Time) (bool, error)
	// Requeue removes id from working and, only if it was there, adds it
	// to waiting with score at. claim behaves as in Release.
	Requeue(ctx context.Context, id string, claim, at time.Time) (bool, error)
	// Schedule adds id to waiting at score unless it is already present in
	// either set.
	Schedule(ctx context.Context, id string, at time.Time) (bool, error)
	// Repopulate inserts into waiting every id absent from both sets and
	// returns how many were added. Other members are left untouched.
	Repopulate(ctx context.Context, ids []string, at time.Time) (int, error)
	// ReclaimExpired moves up to limit working items whose claim expired
	// before cutoff back to waiting at requeueAt, returning their ids.
	ReclaimExpired(ctx context.Context, cutoff, requeueAt time.Time, limit int) ([]string, error)

	// Ready lists up to limit waiting ids with score <= now, earliest first,
	// skipping the first offset of them.
	Ready(ctx context.Context, now time.Time, offset, limit int) ([]string, error)
	WaitingScore(ctx context.Context, id string) (time.Time, bool, error)
	WorkingScore(ctx context.Context, id string) (time.Time, bool, error)
	Counts(ctx context.Context) (Counts, error)

	// AcquireLeadership takes the cleanup leader key for ttl. It succeeds
	// when the key is free or already held by holder.
	AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	// Heartbeat writes the pod's membership entry with the given expiry.
	Heartbeat(ctx context.Context, pod string, ttl time.Duration) error
	// LivePods lists pods whose membership entry has not expired.
	LivePods(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Keys names the shared-store structures. Distinct prefixes let several
// scheduler topologies share one backend.
type Keys struct {
	Prefix     string
	Waiting    string
	Working    string
	Leader     string
	Membership string
}

func (k Keys) WithDefaults() Keys {
	if k.Waiting == "" {
		k.Waiting = "waiting"
	}
	if k.Working == "" {
		k.Working = "working"
	}
	if k.Leader == "" {
		k.Leader = "cleanup-leader"
	}
	if k.Membership == "" {
		k.Membership = "pods"
	}
	return k
}

func (k Keys) waiting() string { return k.Prefix + k.Waiting }
func (k Keys) working() string { return k.Prefix + k.Working }
func (k Keys) leader() string  { return k.Prefix + k.Leader }

// memberPrefix is the namespace holding one heartbeat key per pod.
func (k Keys) memberPrefix() string { return k.Prefix + k.Membership + ":" }

type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// Config configures the shared store.
//
// Driver values:
//   - "redis": the production backend shared by all pods
//   - "sqlite": a single database file, for one host or local development
type Config struct {
	Driver string
	Keys   Keys
	Redis  RedisConfig
	SQLite SQLiteConfig
}

// Open initializes the configured store. It does not wait for the backend
// to become reachable; callers Ping with their own retry policy.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Keys = cfg.Keys.WithDefaults()

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "redis":
		return NewRedis(cfg.Redis, cfg.Keys, log), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg.SQLite, cfg.Keys, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// DefaultClaimTimeout applies when neither the item nor the request names one.
const DefaultClaimTimeout = time.Minute

// ClaimExpiry is the working-set score a claim made at now with the given
// timeout receives.
func ClaimExpiry(now time.Time, timeout, def time.Duration) time.Time {
	if def <= 0 {
		def = DefaultClaimTimeout
	}
	return time.Unix(epochSeconds(now)+timeoutSeconds(timeout, def), 0)
}

func epochSeconds(t time.Time) int64 { return t.Unix() }

// claimArg encodes an optional expected claim expiry for scripts.
func claimArg(claim time.Time) string {
	if claim.IsZero() {
		return ""
	}
	return strconv.FormatInt(epochSeconds(claim), 10)
}

func fromEpochSeconds(s float64) time.Time { return time.Unix(int64(s), 0) }

func timeoutSeconds(d, def time.Duration) int64 {
	if d <= 0 {
		d = def
	}
	if d <= 0 {
		d = DefaultClaimTimeout
	}
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
