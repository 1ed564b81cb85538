package plugins

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one registered plugin. ID is the source file name.
type Entry struct {
	ID       string
	Module   *Module
	LoadedAt time.Time
}

// Registry maps plugin ids to modules. Writers are serialised; readers
// get an immutable id-sorted snapshot without locking, so a replace is
// either fully visible or not at all.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]Entry]
	now  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	empty := []Entry{}
	r.snap.Store(&empty)
	return r
}

// Snapshot returns the current entries sorted by id. Callers must not
// modify it.
func (r *Registry) Snapshot() []Entry {
	return *r.snap.Load()
}

// Get returns the module registered under id.
func (r *Registry) Get(id string) (*Module, bool) {
	entries := r.Snapshot()
	i := sort.Search(len(entries), func(i int) bool { return entries[i].ID >= id })
	if i < len(entries) && entries[i].ID == id {
		return entries[i].Module, true
	}
	return nil, false
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int { return len(r.Snapshot()) }

// IDs returns the registered ids in order.
func (r *Registry) IDs() []string {
	entries := r.Snapshot()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// Upsert inserts or replaces the module for id.
func (r *Registry) Upsert(id string, m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Snapshot()
	next := make([]Entry, 0, len(cur)+1)
	for _, e := range cur {
		if e.ID != id {
			next = append(next, e)
		}
	}
	next = append(next, Entry{ID: id, Module: m, LoadedAt: r.now()})
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
	r.snap.Store(&next)
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Snapshot()
	next := make([]Entry, 0, len(cur))
	for _, e := range cur {
		if e.ID != id {
			next = append(next, e)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	r.snap.Store(&next)
	return true
}
