package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"agentsched/internal/sharding"
	logx "agentsched/pkg/logx"
)

// Ms converts a millisecond option to a duration.
func Ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Normalize fills in defaults. It never fails; Validate reports bad values.
func Normalize(c *Config) {
	if c.RefreshPeriodSeconds <= 0 {
		c.RefreshPeriodSeconds = 30
	}
	if c.IntervalMs <= 0 {
		c.IntervalMs = 1000
	}
	if c.BatchOperations.BatchSize <= 0 {
		c.BatchOperations.BatchSize = 10
	}

	z := &c.ZombieCleanup
	if z.IntervalMs <= 0 {
		z.IntervalMs = 60_000
	}
	if z.ThresholdMs <= 0 {
		z.ThresholdMs = 3_600_000
	}
	o := &c.OrphanCleanup
	if o.IntervalMs <= 0 {
		o.IntervalMs = 60_000
	}
	if o.ThresholdMs <= 0 {
		o.ThresholdMs = 7_200_000
	}
	if o.RunBudgetMs <= 0 {
		o.RunBudgetMs = 10_000
	}
	if o.LeadershipTtlMs <= 0 {
		o.LeadershipTtlMs = o.IntervalMs
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}

	cb := &c.CircuitBreaker
	if cb.FailureThreshold <= 0 {
		cb.FailureThreshold = 5
	}
	if cb.WindowMs <= 0 {
		cb.WindowMs = 60_000
	}
	if cb.CooldownMs <= 0 {
		cb.CooldownMs = 30_000
	}
	if cb.HalfOpenProbeMs <= 0 {
		cb.HalfOpenProbeMs = 10_000
	}

	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 10
	}
	if strings.TrimSpace(c.Executor.DrainTimeout) == "" {
		c.Executor.DrainTimeout = "30s"
	}

	if c.Pod.HeartbeatIntervalMs <= 0 {
		c.Pod.HeartbeatIntervalMs = 10_000
	}
	if c.Pod.HeartbeatTtlMs <= 0 {
		c.Pod.HeartbeatTtlMs = 3 * c.Pod.HeartbeatIntervalMs
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "redis"
	}
	if c.Store.Driver == "redis" && strings.TrimSpace(c.Store.Redis.Addr) == "" {
		c.Store.Redis.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(c.Store.ConnectTimeout) == "" {
		c.Store.ConnectTimeout = "30s"
	}

	if c.Sharding.Strategy == "" {
		c.Sharding.Strategy = "jump"
	}
	if c.Sharding.Key == "" {
		c.Sharding.Key = "account"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:9090"
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.MinIntervalMs <= 0 {
			a.MinIntervalMs = a.IntervalMs
		}
		if a.TimeoutMs <= 0 {
			a.TimeoutMs = 2 * a.IntervalMs
		}
	}
}

// Validate checks a normalized config and reports every problem it finds.
func Validate(c *Config) error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.MaxConcurrentAgents < 0 {
		bad("maxConcurrentAgents: must be >= 0")
	}
	for name, pat := range map[string]string{"enabledPattern": c.EnabledPattern, "disabledPattern": c.DisabledPattern} {
		if pat == "" {
			continue
		}
		if _, err := regexp.Compile(pat); err != nil {
			bad("%s: %w", name, err)
		}
	}
	if c.BatchOperations.Enabled && c.BatchOperations.BatchSize < 1 {
		bad("batchOperations.batchSize: must be >= 1")
	}
	if c.ZombieCleanup.Enabled && c.OrphanCleanup.Enabled &&
		c.OrphanCleanup.ThresholdMs < c.ZombieCleanup.ThresholdMs {
		bad("orphanCleanup.thresholdMs (%d) must be >= zombieCleanup.thresholdMs (%d)",
			c.OrphanCleanup.ThresholdMs, c.ZombieCleanup.ThresholdMs)
	}
	if c.Executor.QueueSize < 0 {
		bad("executor.queueSize: must be >= 0")
	}
	if c.Pod.HeartbeatTtlMs < c.Pod.HeartbeatIntervalMs {
		bad("pod.heartbeatTtlMs must be >= pod.heartbeatIntervalMs")
	}

	switch c.Store.Driver {
	case "redis":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			bad("store.sqlite.path: required for the sqlite driver")
		}
	default:
		bad("store.driver: unknown driver %q", c.Store.Driver)
	}
	if _, err := sharding.StrategyByName(c.Sharding.Strategy); err != nil {
		bad("sharding.strategy: %w", err)
	}
	if _, err := sharding.ExtractorByName(c.Sharding.Key); err != nil {
		bad("sharding.key: %w", err)
	}
	if !logx.ValidLevel(c.Logging.Level) {
		bad("logging.level: unknown level %q", c.Logging.Level)
	}
	if f := c.Logging.Format; f != "console" && f != "json" {
		bad("logging.format: must be console or json, got %q", f)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		bad("logging.file.path: required when the file sink is enabled")
	}

	for path, raw := range map[string]string{
		"executor.drainTimeout":    c.Executor.DrainTimeout,
		"store.connectTimeout":     c.Store.ConnectTimeout,
		"store.redis.dialTimeout":  c.Store.Redis.DialTimeout,
		"store.redis.readTimeout":  c.Store.Redis.ReadTimeout,
		"store.redis.writeTimeout": c.Store.Redis.WriteTimeout,
		"store.sqlite.busyTimeout": c.Store.SQLite.BusyTimeout,
		"admin.readTimeout":        c.Admin.ReadTimeout,
		"admin.writeTimeout":       c.Admin.WriteTimeout,
		"admin.idleTimeout":        c.Admin.IdleTimeout,
	} {
		if _, err := parseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			bad("agents[%d].id: required", i)
		case seen[a.ID]:
			bad("agents[%d].id: duplicate %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.IntervalMs <= 0 {
			bad("agents[%d].intervalMs: must be > 0", i)
		}
		if a.MinIntervalMs > a.IntervalMs {
			bad("agents[%d].minIntervalMs: must be <= intervalMs", i)
		}
	}
	return errors.Join(errs...)
}

// Check is Normalize followed by Validate.
func Check(c *Config) error {
	Normalize(c)
	return Validate(c)
}
