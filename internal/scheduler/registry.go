package scheduler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type patterns struct {
	enabled  *regexp.Regexp
	disabled *regexp.Regexp
}

// Registry holds the work items this pod knows how to run and the
// enabled/disabled filters applied to them.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Registration
	pat   atomic.Pointer[patterns]
}

func NewRegistry() *Registry {
	r := &Registry{items: make(map[string]Registration)}
	r.pat.Store(&patterns{})
	return r
}

func (r *Registry) Register(reg Registration) error {
	reg.ID = strings.TrimSpace(reg.ID)
	if reg.ID == "" {
		return fmt.Errorf("scheduler: registration without id")
	}
	if reg.Run == nil {
		return fmt.Errorf("scheduler: registration %q without run func", reg.ID)
	}
	reg.Interval = reg.Interval.withDefaults()
	r.mu.Lock()
	r.items[reg.ID] = reg
	r.mu.Unlock()
	return nil
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.items, id)
	r.mu.Unlock()
}

// SetPatterns swaps the filters. Empty strings clear them.
func (r *Registry) SetPatterns(enabled, disabled string) error {
	p := &patterns{}
	var err error
	if enabled != "" {
		if p.enabled, err = regexp.Compile(enabled); err != nil {
			return fmt.Errorf("enabled pattern: %w", err)
		}
	}
	if disabled != "" {
		if p.disabled, err = regexp.Compile(disabled); err != nil {
			return fmt.Errorf("disabled pattern: %w", err)
		}
	}
	r.pat.Store(p)
	return nil
}

// Enabled applies the filters to id. The disabled pattern wins.
func (r *Registry) Enabled(id string) bool {
	p := r.pat.Load()
	if p.enabled != nil && !p.enabled.MatchString(id) {
		return false
	}
	if p.disabled != nil && p.disabled.MatchString(id) {
		return false
	}
	return true
}

// Lookup returns the registration for id if it exists and is enabled.
func (r *Registry) Lookup(id string) (Registration, bool) {
	r.mu.RLock()
	reg, ok := r.items[id]
	r.mu.RUnlock()
	if !ok || !r.Enabled(id) {
		return Registration{}, false
	}
	return reg, true
}

// IDs lists enabled registrations in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.items))
	for id := range r.items {
		if r.Enabled(id) {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
