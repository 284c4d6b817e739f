package rules

import (
	"sync/atomic"
	"time"
)

// Store holds the active rule snapshot. Readers never block; a reload swaps
// the whole snapshot.
type Store struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	tenants  map[string]*TenantRules
	version  string
	loadedAt time.Time
}

func NewStore() *Store {
	s := &Store{}
	s.snap.Store(&snapshot{tenants: map[string]*TenantRules{}})
	return s
}

func (s *Store) Tenant(tenantID string) (*TenantRules, bool) {
	t, ok := s.snap.Load().tenants[tenantID]
	return t, ok
}

// Replace installs prepared tenant rules as the new snapshot.
func (s *Store) Replace(tenants map[string]*TenantRules, version string) {
	if tenants == nil {
		tenants = map[string]*TenantRules{}
	}
	s.snap.Store(&snapshot{tenants: tenants, version: version, loadedAt: time.Now().UTC()})
}

// Put swaps a single tenant into a copy of the current snapshot.
func (s *Store) Put(t *TenantRules) {
	for {
		cur := s.snap.Load()
		next := make(map[string]*TenantRules, len(cur.tenants)+1)
		for k, v := range cur.tenants {
			next[k] = v
		}
		next[t.TenantID] = t
		if s.snap.CompareAndSwap(cur, &snapshot{tenants: next, version: cur.version, loadedAt: time.Now().UTC()}) {
			return
		}
	}
}

func (s *Store) Version() string {
	return s.snap.Load().version
}

func (s *Store) LoadedAt() time.Time {
	return s.snap.Load().loadedAt
}

func (s *Store) Tenants() []string {
	cur := s.snap.Load()
	out := make([]string, 0, len(cur.tenants))
	for id := range cur.tenants {
		out = append(out, id)
	}
	return out
}
