package config

import (
	"reflect"
	"strings"

	logx "agentsched/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections.
	Sections []string
	// Fields are safe log attributes; secrets are never included.
	Fields []logx.Field
	// Restart lists changed sections that only take effect after restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares old and new. Patterns, cleanup enable
// flags, logging and admin apply live; everything else needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	live := func(name string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, name)
		ch.Fields = append(ch.Fields, fields...)
	}
	restart := func(name string) {
		ch.Sections = append(ch.Sections, name)
		ch.Restart = append(ch.Restart, name)
	}

	if oldCfg.EnabledPattern != newCfg.EnabledPattern || oldCfg.DisabledPattern != newCfg.DisabledPattern {
		live("patterns",
			logx.String("enabledPattern", newCfg.EnabledPattern),
			logx.String("disabledPattern", newCfg.DisabledPattern),
		)
	}
	if oldCfg.ZombieCleanup.Enabled != newCfg.ZombieCleanup.Enabled {
		live("zombieCleanup.enabled", logx.Bool("zombieCleanup.enabled", newCfg.ZombieCleanup.Enabled))
	}
	if oldCfg.OrphanCleanup.Enabled != newCfg.OrphanCleanup.Enabled {
		live("orphanCleanup.enabled", logx.Bool("orphanCleanup.enabled", newCfg.OrphanCleanup.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		live("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	oa, na := oldCfg.Admin, newCfg.Admin
	if oa.Enabled != na.Enabled || oa.Addr != na.Addr || oa.AllowInsecure != na.AllowInsecure ||
		oa.PprofPrefix != na.PprofPrefix || oa.ReadTimeout != na.ReadTimeout ||
		oa.WriteTimeout != na.WriteTimeout || oa.IdleTimeout != na.IdleTimeout ||
		strings.TrimSpace(oa.Token) != strings.TrimSpace(na.Token) {
		live("admin",
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", na.Addr),
			logx.Bool("admin.token_set", strings.TrimSpace(na.Token) != ""),
		)
	}

	if oldCfg.MaxConcurrentAgents != newCfg.MaxConcurrentAgents ||
		oldCfg.RefreshPeriodSeconds != newCfg.RefreshPeriodSeconds ||
		oldCfg.IntervalMs != newCfg.IntervalMs ||
		oldCfg.BatchOperations != newCfg.BatchOperations {
		restart("acquisition")
	}
	zo, zn := oldCfg.ZombieCleanup, newCfg.ZombieCleanup
	oo, on := oldCfg.OrphanCleanup, newCfg.OrphanCleanup
	zo.Enabled, zn.Enabled, oo.Enabled, on.Enabled = false, false, false, false
	if zo != zn || oo != on {
		restart("cleanup")
	}
	if oldCfg.CircuitBreaker != newCfg.CircuitBreaker {
		restart("circuitBreaker")
	}
	if oldCfg.Executor != newCfg.Executor {
		restart("executor")
	}
	if oldCfg.Pod != newCfg.Pod {
		restart("pod")
	}
	if oldCfg.Store != newCfg.Store {
		restart("store")
	}
	if oldCfg.Sharding != newCfg.Sharding {
		restart("sharding")
	}
	if !reflect.DeepEqual(oldCfg.Agents, newCfg.Agents) {
		restart("agents")
	}
	return ch
}
