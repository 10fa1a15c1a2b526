// Package dedup remembers which gateway fills were already applied.
package dedup

import (
	"sort"
	"sync"
)

// Filter is a per-instrument set of fill identifiers.
type Filter struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func New() *Filter {
	return &Filter{seen: make(map[string]map[string]struct{})}
}

// Add inserts fillID for instrument and reports whether it was new. The check
// and the insert happen under one lock.
func (f *Filter) Add(instrument, fillID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.seen[instrument]
	if !ok {
		set = make(map[string]struct{})
		f.seen[instrument] = set
	}
	if _, dup := set[fillID]; dup {
		return false
	}
	set[fillID] = struct{}{}
	return true
}

// Contains reports whether fillID was already applied for instrument.
func (f *Filter) Contains(instrument, fillID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[instrument][fillID]
	return ok
}

// Snapshot returns the sets as sorted slices.
func (f *Filter) Snapshot() map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]string, len(f.seen))
	for instrument, set := range f.seen {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[instrument] = ids
	}
	return out
}

// Restore replaces the filter content.
func (f *Filter) Restore(ids map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]map[string]struct{}, len(ids))
	for instrument, list := range ids {
		set := make(map[string]struct{}, len(list))
		for _, id := range list {
			set[id] = struct{}{}
		}
		f.seen[instrument] = set
	}
}
