package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
maxConcurrentAgents: 8
enabledPattern: "^aws/"
intervalMs: 500
batchOperations:
  enabled: true
  batchSize: 4
zombieCleanup:
  enabled: true
  thresholdMs: 600000
orphanCleanup:
  enabled: true
  thresholdMs: 1200000
circuitBreaker:
  failureThreshold: 3
store:
  driver: redis
  redis:
    addr: "redis:6379"
    dialTimeout: 2s
sharding:
  strategy: modulo
  key: region
  coreNamespace: core
agents:
  - id: aws/prod/ec2
    intervalMs: 30000
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	m := NewManager(writeFile(t, "agentsched.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, 8, cfg.MaxConcurrentAgents)
	assert.Equal(t, int64(500), cfg.IntervalMs)
	assert.Equal(t, 30, cfg.RefreshPeriodSeconds)
	assert.Equal(t, BatchOperationsConfig{Enabled: true, BatchSize: 4}, cfg.BatchOperations)
	assert.Equal(t, int64(60_000), cfg.ZombieCleanup.IntervalMs)
	assert.Equal(t, int64(10_000), cfg.OrphanCleanup.RunBudgetMs)
	assert.Equal(t, cfg.OrphanCleanup.IntervalMs, cfg.OrphanCleanup.LeadershipTtlMs)
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, int64(30_000), cfg.CircuitBreaker.CooldownMs)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, int64(30_000), cfg.Agents[0].MinIntervalMs)
	assert.Equal(t, int64(60_000), cfg.Agents[0].TimeoutMs)
	assert.Equal(t, 30*time.Second, Ms(cfg.Agents[0].IntervalMs))
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("c.json", []byte(`{"maxConcurrentAgents": 2, "store": {"driver": "sqlite", "sqlite": {"path": "x.db"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "jump", cfg.Sharding.Strategy)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name, path, body, want string
	}{
		{"unknown field", "c.yaml", "maxConcurrent: 3\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "a: [\n", "yaml unmarshal"},
		{"bad regex", "c.yaml", "disabledPattern: \"(\"\n", "disabledPattern"},
		{"orphan below zombie", "c.yaml", "zombieCleanup: {enabled: true, thresholdMs: 100}\norphanCleanup: {enabled: true, thresholdMs: 50}\n", "orphanCleanup.thresholdMs"},
		{"sqlite without path", "c.yaml", "store: {driver: sqlite}\n", "store.sqlite.path"},
		{"unknown driver", "c.yaml", "store: {driver: etcd}\n", "unknown driver"},
		{"unknown strategy", "c.yaml", "sharding: {strategy: ring}\n", "sharding.strategy"},
		{"bad level", "c.yaml", "logging: {level: loud}\n", "logging.level"},
		{"bad duration", "c.yaml", "store: {redis: {dialTimeout: soon}}\n", "store.redis.dialTimeout"},
		{"duplicate agent", "c.yaml", "agents: [{id: a, intervalMs: 1}, {id: a, intervalMs: 1}]\n", "duplicate"},
		{"agent interval", "c.yaml", "agents: [{id: a}]\n", "agents[0].intervalMs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.path, []byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	base, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	same := *base
	assert.True(t, SummarizeConfigChange(base, &same).Empty())

	next := *base
	next.DisabledPattern = "/dev/"
	next.ZombieCleanup.Enabled = false
	next.Admin.Token = "s3cret"
	ch := SummarizeConfigChange(base, &next)
	assert.Equal(t, []string{"patterns", "zombieCleanup.enabled", "admin"}, ch.Sections)
	assert.Empty(t, ch.Restart)

	next = *base
	next.Store.Redis.Addr = "other:6379"
	next.ZombieCleanup.ThresholdMs = 1
	ch = SummarizeConfigChange(base, &next)
	assert.Equal(t, []string{"cleanup", "store"}, ch.Restart)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "agentsched.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"disabledPattern: \"/dev/\"\n"), 0o600))

	select {
	case u := <-sub:
		assert.Equal(t, "/dev/", u.New.DisabledPattern)
		assert.Empty(t, u.Old.DisabledPattern)
		assert.Equal(t, []string{"patterns"}, u.Change.Sections)
		assert.Same(t, u.New, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestWatchIgnoresInvalidEdits(t *testing.T) {
	path := writeFile(t, "agentsched.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("nope: true\n"), 0o600))
	select {
	case <-sub:
		t.Fatal("invalid config was published")
	case <-time.After(time.Second):
	}
	assert.Equal(t, "^aws/", m.Get().EnabledPattern)
}

func TestReloadPublishesOnlyEffectiveChanges(t *testing.T) {
	path := writeFile(t, "agentsched.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	// Comments and reordering change the bytes but no option.
	require.NoError(t, os.WriteFile(path, []byte("# edited\n"+sampleYAML), 0o600))
	published, err := m.Reload()
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"executor: {workers: 3}\n"), 0o600))
	published, err = m.Reload()
	require.NoError(t, err)
	require.True(t, published)
	u := <-sub
	assert.Equal(t, []string{"executor"}, u.Change.Restart)
	assert.Equal(t, 3, m.Get().Executor.Workers)
}

func TestReloadRejectedByValidator(t *testing.T) {
	path := writeFile(t, "agentsched.yaml", sampleYAML)
	m := NewManager(path)
	before, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(cfg *Config) error {
		if cfg.MaxConcurrentAgents > 100 {
			return errors.New("too many")
		}
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, "maxConcurrentAgents: 8", "maxConcurrentAgents: 500", 1)), 0o600))
	published, err := m.Reload()
	require.ErrorContains(t, err, "too many")
	assert.False(t, published)
	assert.Same(t, before, m.Get())
}

func TestSlowSubscriberGetsMergedUpdate(t *testing.T) {
	path := writeFile(t, "agentsched.yaml", sampleYAML)
	m := NewManager(path)
	first, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"disabledPattern: \"/dev/\"\n"), 0o600))
	_, err = m.Reload()
	require.NoError(t, err)
	moved := strings.Replace(sampleYAML, `addr: "redis:6379"`, `addr: "other:6379"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(moved+"disabledPattern: \"/dev/\"\n"), 0o600))
	_, err = m.Reload()
	require.NoError(t, err)

	u := <-sub
	assert.Same(t, first, u.Old)
	assert.Equal(t, "/dev/", u.New.DisabledPattern)
	assert.Equal(t, []string{"patterns", "store"}, u.Change.Sections)
	assert.Equal(t, []string{"store"}, u.Change.Restart)
	select {
	case <-sub:
		t.Fatal("expected a single merged update")
	default:
	}
}

func TestDurationOr(t *testing.T) {
	d, err := DurationOr("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	d, err = DurationOr("x", " 250ms ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = DurationOr("store.connectTimeout", "-1s", time.Second)
	require.ErrorContains(t, err, "store.connectTimeout")
}
