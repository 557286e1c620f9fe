package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"agentsched/internal/breaker"
	"agentsched/internal/config"
	"agentsched/internal/observability/admin"
	"agentsched/internal/pods"
	"agentsched/internal/scheduler"
	"agentsched/internal/storage"
	logx "agentsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	out := storage.Config{
		Driver: sc.Driver,
		Keys: storage.Keys{
			Prefix:     sc.Keys.Prefix,
			Waiting:    sc.Keys.Waiting,
			Working:    sc.Keys.Working,
			Leader:     sc.Keys.Leader,
			Membership: sc.Keys.Membership,
		},
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Username: sc.Redis.Username,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			PoolSize: sc.Redis.PoolSize,
		},
		SQLite: storage.SQLiteConfig{Path: strings.TrimSpace(sc.SQLite.Path)},
	}

	var err error
	if out.Redis.DialTimeout, err = config.DurationOr("store.redis.dialTimeout", sc.Redis.DialTimeout, 5*time.Second); err != nil {
		return storage.Config{}, err
	}
	if out.Redis.ReadTimeout, err = config.DurationOr("store.redis.readTimeout", sc.Redis.ReadTimeout, 3*time.Second); err != nil {
		return storage.Config{}, err
	}
	if out.Redis.WriteTimeout, err = config.DurationOr("store.redis.writeTimeout", sc.Redis.WriteTimeout, 3*time.Second); err != nil {
		return storage.Config{}, err
	}
	if out.SQLite.BusyTimeout, err = config.DurationOr("store.sqlite.busyTimeout", sc.SQLite.BusyTimeout, time.Second); err != nil {
		return storage.Config{}, err
	}
	if out.Driver == "sqlite" && out.SQLite.Path == "" {
		return storage.Config{}, fmt.Errorf("store.sqlite.path is required when store.driver=sqlite")
	}
	return out, nil
}

func mapBreakerConfig(cfg *config.Config) breaker.Config {
	cb := cfg.CircuitBreaker
	return breaker.Config{
		Name:             "store",
		FailureThreshold: cb.FailureThreshold,
		Window:           config.Ms(cb.WindowMs),
		Cooldown:         config.Ms(cb.CooldownMs),
		HalfOpenProbe:    config.Ms(cb.HalfOpenProbeMs),
	}
}

func mapPodsConfig(cfg *config.Config, podID string) pods.Config {
	return pods.Config{
		PodID:             podID,
		CoreNamespace:     cfg.Sharding.CoreNamespace,
		HeartbeatInterval: config.Ms(cfg.Pod.HeartbeatIntervalMs),
		HeartbeatTTL:      config.Ms(cfg.Pod.HeartbeatTtlMs),
	}
}

// mapSchedulerConfig sizes the permit pool. maxConcurrentAgents of zero
// follows the executor's worker count.
func mapSchedulerConfig(cfg *config.Config, workers int) scheduler.Config {
	max := cfg.MaxConcurrentAgents
	if max <= 0 {
		max = workers
	}
	return scheduler.Config{
		MaxConcurrent: max,
		Interval:      config.Ms(cfg.IntervalMs),
		RefreshPeriod: time.Duration(cfg.RefreshPeriodSeconds) * time.Second,
		BatchEnabled:  cfg.BatchOperations.Enabled,
		BatchSize:     cfg.BatchOperations.BatchSize,
	}
}

func mapZombieConfig(cfg *config.Config) scheduler.ZombieConfig {
	z := cfg.ZombieCleanup
	return scheduler.ZombieConfig{
		Enabled:   z.Enabled,
		Interval:  config.Ms(z.IntervalMs),
		Threshold: config.Ms(z.ThresholdMs),
	}
}

func mapOrphanConfig(cfg *config.Config, podID string) scheduler.OrphanConfig {
	o := cfg.OrphanCleanup
	return scheduler.OrphanConfig{
		Enabled:     o.Enabled,
		Interval:    config.Ms(o.IntervalMs),
		Threshold:   config.Ms(o.ThresholdMs),
		RunBudget:   config.Ms(o.RunBudgetMs),
		LeaderTTL:   config.Ms(o.LeadershipTtlMs),
		BatchSize:   o.BatchSize,
		LeaderOwner: podID,
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		PprofPrefix:   ac.PprofPrefix,
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("admin.readTimeout", ac.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.WriteTimeout, err = config.DurationOr("admin.writeTimeout", ac.WriteTimeout, 30*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.DurationOr("admin.idleTimeout", ac.IdleTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

func mapAgentInterval(a config.AgentConfig) scheduler.Interval {
	return scheduler.Interval{
		Min:     config.Ms(a.MinIntervalMs),
		Ideal:   config.Ms(a.IntervalMs),
		Timeout: config.Ms(a.TimeoutMs),
	}
}

// newPodID returns the configured id or <hostname>-<ulid>.
func newPodID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.Pod.ID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pod"
	}
	return host + "-" + strings.ToLower(ulid.Make().String())
}
