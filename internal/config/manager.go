package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	logx "agentsched/pkg/logx"
)

// Update is one accepted config change. Change is always the difference
// between Old and New, also when several edits were folded together for a
// slow subscriber.
type Update struct {
	Old    *Config
	New    *Config
	Change Change
}

func NewUpdate(oldCfg, newCfg *Config) Update {
	return Update{Old: oldCfg, New: newCfg, Change: SummarizeConfigChange(oldCfg, newCfg)}
}

// Manager owns the config file of one pod. Load reads it at startup; while
// Watch runs, edits are re-read and accepted updates go to subscribers.
type Manager struct {
	path     string
	log      logx.Logger
	validate func(*Config) error

	reloadMu sync.Mutex

	mu  sync.RWMutex
	cfg *Config
	fp  uint64

	subsMu sync.Mutex
	subs   []chan Update
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator adds a check that reloaded configs must pass, on top of
// Check, before they are accepted.
func (m *Manager) SetValidator(fn func(*Config) error) { m.validate = fn }

func (m *Manager) Path() string { return m.path }

// Parse reads and decodes the file without accepting it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.fp = fingerprint(cfg)
	m.mu.Unlock()
}

// Reload re-reads the file and reports whether an update was published.
// A file that fails to decode or validate leaves the current config in
// place. Edits that change no option are accepted without publishing.
func (m *Manager) Reload() (bool, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	fp := fingerprint(cfg)
	m.mu.RLock()
	cur, curFP := m.cfg, m.fp
	m.mu.RUnlock()
	if fp != 0 && fp == curFP {
		return false, nil
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}

	u := NewUpdate(cur, cfg)
	m.commit(cfg)
	if u.Change.Empty() {
		return false, nil
	}
	m.publish(u)
	m.log.Debug("config published",
		logx.String("sections", strings.Join(u.Change.Sections, ",")),
		logx.String("fingerprint", fmt.Sprintf("%x", fp)),
	)
	return true, nil
}

// Subscribe returns a channel of accepted updates. A subscriber that falls
// behind receives one update spanning everything it missed.
func (m *Manager) Subscribe() <-chan Update {
	ch := make(chan Update, 1)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch <-chan Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(s)
			return
		}
	}
}

func (m *Manager) publish(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		merged := u
		select {
		case prev := <-ch:
			merged = NewUpdate(prev.Old, u.New)
		default:
		}
		select {
		case ch <- merged:
		default:
			m.log.Debug("config update dropped; subscriber busy")
		}
	}
}

// Watch reloads the file after it changes until ctx is done. A broken
// watcher is recreated with exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	// Editors write in several steps; only the settled file is read.
	reload := &debouncer{delay: 250 * time.Millisecond, fn: func() {
		if _, err := m.Reload(); err != nil {
			m.log.Warn("config reload failed; keeping current", logx.String("path", m.path), logx.Err(err))
		}
	}}
	defer reload.stop()

	for {
		err := m.watchOnce(ctx, dir, file, bo, reload.trigger)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Err(err),
			logx.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher on dir until it breaks or ctx ends.
func (m *Manager) watchOnce(ctx context.Context, dir, file string, bo backoff.BackOff, changed func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	bo.Reset()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&ops != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events may be missing; read the file once to catch up.
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				changed()
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}

type debouncer struct {
	delay time.Duration
	fn    func()

	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}
