package config

// Config is the on-disk configuration. Keys are camelCase; durations named
// *Ms are integer milliseconds, other durations are Go duration strings.
type Config struct {
	// MaxConcurrentAgents sizes the permit pool. 0 uses the executor's
	// worker count.
	MaxConcurrentAgents int    `json:"maxConcurrentAgents"`
	EnabledPattern      string `json:"enabledPattern,omitempty"`
	DisabledPattern     string `json:"disabledPattern,omitempty"`

	RefreshPeriodSeconds int   `json:"refreshPeriodSeconds"`
	IntervalMs           int64 `json:"intervalMs"`

	BatchOperations BatchOperationsConfig `json:"batchOperations"`
	ZombieCleanup   ZombieCleanupConfig   `json:"zombieCleanup"`
	OrphanCleanup   OrphanCleanupConfig   `json:"orphanCleanup"`
	CircuitBreaker  CircuitBreakerConfig  `json:"circuitBreaker"`

	Executor ExecutorConfig `json:"executor"`
	Pod      PodConfig      `json:"pod"`
	Store    StoreConfig    `json:"store"`
	Sharding ShardingConfig `json:"sharding"`
	Logging  LoggingConfig  `json:"logging"`
	Admin    AdminConfig    `json:"admin"`

	Agents []AgentConfig `json:"agents,omitempty"`
}

type BatchOperationsConfig struct {
	Enabled   bool `json:"enabled"`
	BatchSize int  `json:"batchSize"`
}

type ZombieCleanupConfig struct {
	Enabled     bool  `json:"enabled"`
	IntervalMs  int64 `json:"intervalMs"`
	ThresholdMs int64 `json:"thresholdMs"`
}

type OrphanCleanupConfig struct {
	Enabled         bool  `json:"enabled"`
	IntervalMs      int64 `json:"intervalMs"`
	ThresholdMs     int64 `json:"thresholdMs"`
	RunBudgetMs     int64 `json:"runBudgetMs"`
	LeadershipTtlMs int64 `json:"leadershipTtlMs"`
	BatchSize       int   `json:"batchSize,omitempty"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int   `json:"failureThreshold"`
	WindowMs         int64 `json:"windowMs"`
	CooldownMs       int64 `json:"cooldownMs"`
	HalfOpenProbeMs  int64 `json:"halfOpenProbeMs"`
}

// ExecutorConfig sizes the worker pool.
//
// Defaults:
//   - workers: 10
//   - queueSize: 0 (submit only while a worker is idle)
//   - heapLimitMb: 0 (guard disabled)
type ExecutorConfig struct {
	Workers     int    `json:"workers"`
	QueueSize   int    `json:"queueSize"`
	HeapLimitMb uint64 `json:"heapLimitMb,omitempty"`
	// DrainTimeout is how long shutdown waits for running work.
	DrainTimeout string `json:"drainTimeout,omitempty"`
}

type PodConfig struct {
	// ID defaults to <hostname>-<ulid>.
	ID                  string `json:"id,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	HeartbeatTtlMs      int64  `json:"heartbeatTtlMs"`
}

// StoreConfig selects and configures the shared store.
//
// Example:
//
//	"store": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379" } }
type StoreConfig struct {
	Driver string          `json:"driver"`
	Keys   StoreKeysConfig `json:"keys"`
	Redis  RedisConfig     `json:"redis"`
	SQLite SQLiteConfig    `json:"sqlite"`
	// ConnectTimeout bounds the startup ping retries.
	ConnectTimeout string `json:"connectTimeout,omitempty"`
}

type StoreKeysConfig struct {
	Prefix     string `json:"prefix,omitempty"`
	Waiting    string `json:"waiting,omitempty"`
	Working    string `json:"working,omitempty"`
	Leader     string `json:"leader,omitempty"`
	Membership string `json:"membership,omitempty"`
}

type RedisConfig struct {
	Addr         string `json:"addr"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"` // do not log
	DB           int    `json:"db,omitempty"`
	PoolSize     int    `json:"poolSize,omitempty"`
	DialTimeout  string `json:"dialTimeout,omitempty"`
	ReadTimeout  string `json:"readTimeout,omitempty"`
	WriteTimeout string `json:"writeTimeout,omitempty"`
}

type SQLiteConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busyTimeout,omitempty"`
}

type ShardingConfig struct {
	// Strategy is "jump" (default) or "modulo".
	Strategy string `json:"strategy"`
	// Key is "account" (default), "region" or "identity".
	Key           string `json:"key"`
	CoreNamespace string `json:"coreNamespace,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AdminConfig controls the admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address needs a token or allowInsecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allowInsecure,omitempty"`
	PprofPrefix   string `json:"pprofPrefix,omitempty"`
	ReadTimeout   string `json:"readTimeout,omitempty"`
	WriteTimeout  string `json:"writeTimeout,omitempty"`
	IdleTimeout   string `json:"idleTimeout,omitempty"`
}

// AgentConfig registers a demo agent that runs a no-op execution.
type AgentConfig struct {
	ID            string `json:"id"`
	MinIntervalMs int64  `json:"minIntervalMs,omitempty"`
	IntervalMs    int64  `json:"intervalMs"`
	TimeoutMs     int64  `json:"timeoutMs,omitempty"`
}
