package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "agentsched/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store on a single SQLite file. Each multi-step
// operation is one transaction, and the pool holds a single connection, so
// operations from this process are serialized. Other processes sharing the
// file wait on busy_timeout.
type SQLiteStore struct {
	db   *sql.DB
	keys Keys
	log  logx.Logger
	now  func() time.Time
}

type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock overrides the clock used for key expiry.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

func OpenSQLite(cfg SQLiteConfig, keys Keys, log logx.Logger, opts ...SQLiteOption) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	s := &SQLiteStore{db: db, keys: keys.WithDefaults(), log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *SQLiteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func zscore(ctx context.Context, q querier, set, id string) (int64, bool, error) {
	var score int64
	err := q.QueryRowContext(ctx, `SELECT score FROM zset WHERE name = ? AND member = ?`, set, id).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func zadd(ctx context.Context, tx *sql.Tx, set, id string, score int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO zset(name, member, score) VALUES(?,?,?)
		 ON CONFLICT(name, member) DO UPDATE SET score = excluded.score`,
		set, id, score,
	)
	return err
}

func zrem(ctx context.Context, tx *sql.Tx, set, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM zset WHERE name = ? AND member = ?`, set, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func queryMembers(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClaimBatch(ctx context.Context, req ClaimRequest) ([]string, error) {
	if req.N <= 0 || (req.Only != nil && len(req.Only) == 0) {
		return nil, nil
	}
	now := epochSeconds(req.Now)
	def := timeoutSeconds(req.DefaultTimeout, DefaultClaimTimeout)
	waiting, working := s.keys.waiting(), s.keys.working()

	var claimed []string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		if req.Only == nil {
			ids, err := queryMembers(ctx, tx,
				`SELECT member FROM zset WHERE name = ? AND score <= ? ORDER BY score, member LIMIT ?`,
				waiting, now, req.N,
			)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := zrem(ctx, tx, waiting, id); err != nil {
					return err
				}
				if err := zadd(ctx, tx, working, id, now+def); err != nil {
					return err
				}
				claimed = append(claimed, id)
			}
			return nil
		}
		for _, c := range req.Only {
			if len(claimed) >= req.N {
				break
			}
			score, ok, err := zscore(ctx, tx, waiting, c.ID)
			if err != nil {
				return err
			}
			if !ok || score > now {
				continue
			}
			if _, err := zrem(ctx, tx, waiting, c.ID); err != nil {
				return err
			}
			if err := zadd(ctx, tx, working, c.ID, now+timeoutSeconds(c.Timeout, req.DefaultTimeout)); err != nil {
				return err
			}
			claimed = append(claimed, c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// removeClaim deletes id from working, honoring an optional expected expiry.
func (s *SQLiteStore) removeClaim(ctx context.Context, tx *sql.Tx, id string, claim time.Time) (bool, error) {
	if !claim.IsZero() {
		cur, ok, err := zscore(ctx, tx, s.keys.working(), id)
		if err != nil || !ok || cur != epochSeconds(claim) {
			return false, err
		}
	}
	return zrem(ctx, tx, s.keys.working(), id)
}

func (s *SQLiteStore) Release(ctx context.Context, id string, claim time.Time) (bool, error) {
	var removed bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = s.removeClaim(ctx, tx, id, claim)
		return err
	})
	return removed, err
}

func (s *SQLiteStore) Requeue(ctx context.Context, id string, claim, at time.Time) (bool, error) {
	var removed bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = s.removeClaim(ctx, tx, id, claim)
		if err != nil || !removed {
			return err
		}
		return zadd(ctx, tx, s.keys.waiting(), id, epochSeconds(at))
	})
	return removed, err
}

func (s *SQLiteStore) Schedule(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := s.Repopulate(ctx, []string{id}, at)
	return n == 1, err
}

func (s *SQLiteStore) Repopulate(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	score := epochSeconds(at)
	added := 0
	err := s.tx(ctx, func(tx *sql.Tx) error {
		added = 0
		for _, id := range ids {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM zset WHERE member = ? AND name IN (?, ?)`,
				id, s.keys.waiting(), s.keys.working(),
			).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if err := zadd(ctx, tx, s.keys.waiting(), id, score); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	return added, err
}

func (s *SQLiteStore) ReclaimExpired(ctx context.Context, cutoff, requeueAt time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = queryMembers(ctx, tx,
			`SELECT member FROM zset WHERE name = ? AND score < ? ORDER BY score, member LIMIT ?`,
			s.keys.working(), epochSeconds(cutoff), limit,
		)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := zrem(ctx, tx, s.keys.working(), id); err != nil {
				return err
			}
			if err := zadd(ctx, tx, s.keys.waiting(), id, epochSeconds(requeueAt)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) Ready(ctx context.Context, now time.Time, offset, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	return queryMembers(ctx, s.db,
		`SELECT member FROM zset WHERE name = ? AND score <= ? ORDER BY score, member LIMIT ? OFFSET ?`,
		s.keys.waiting(), epochSeconds(now), limit, offset,
	)
}

func (s *SQLiteStore) WaitingScore(ctx context.Context, id string) (time.Time, bool, error) {
	return s.score(ctx, s.keys.waiting(), id)
}

func (s *SQLiteStore) WorkingScore(ctx context.Context, id string) (time.Time, bool, error) {
	return s.score(ctx, s.keys.working(), id)
}

func (s *SQLiteStore) score(ctx context.Context, set, id string) (time.Time, bool, error) {
	v, ok, err := zscore(ctx, s.db, set, id)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.Unix(v, 0), true, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN name = ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN name = ? THEN 1 ELSE 0 END), 0)
		 FROM zset WHERE name IN (?, ?)`,
		s.keys.waiting(), s.keys.working(), s.keys.waiting(), s.keys.working(),
	).Scan(&c.Waiting, &c.Working)
	return c, err
}

func (s *SQLiteStore) AcquireLeadership(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := s.now().UnixMilli()
	won := false
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var (
			cur     string
			expires int64
		)
		err := tx.QueryRowContext(ctx, `SELECT value, expires_ms FROM kv WHERE key = ?`, s.keys.leader()).Scan(&cur, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case expires > now && cur != holder:
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv(key, value, expires_ms) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_ms = excluded.expires_ms`,
			s.keys.leader(), holder, now+ttl.Milliseconds(),
		); err != nil {
			return err
		}
		won = true
		return nil
	})
	return won, err
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, pod string, ttl time.Duration) error {
	now := s.now().UnixMilli()
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv(key, value, expires_ms) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_ms = excluded.expires_ms`,
			s.keys.memberPrefix()+pod, fmt.Sprint(now), now+ttl.Milliseconds(),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE expires_ms <= ?`, now)
		return err
	})
}

func (s *SQLiteStore) LivePods(ctx context.Context) ([]string, error) {
	prefix := s.keys.memberPrefix()
	keys, err := queryMembers(ctx, s.db,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? AND expires_ms > ? ORDER BY key`,
		len(prefix), prefix, s.now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	pods := make([]string, 0, len(keys))
	for _, k := range keys {
		pods = append(pods, strings.TrimPrefix(k, prefix))
	}
	return pods, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
