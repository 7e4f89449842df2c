package registry

import (
	"sync"

	"sagents/internal/domain"
)

// Local is the in-process registry backend: a map keyed on equality with
// O(1) lookup.
type Local struct {
	mu      sync.RWMutex
	entries map[Key]any
	node    string
}

// NewLocal creates an in-process registry.
func NewLocal(node string) *Local {
	if node == "" {
		node = "local"
	}
	return &Local{entries: make(map[Key]any), node: node}
}

// Node returns the local node name.
func (l *Local) Node() string { return l.node }

func (l *Local) Register(key Key, handle any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[key]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, key.String())
	}
	l.entries[key] = handle
	return nil
}

func (l *Local) Deregister(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func (l *Local) Via(key Key) (any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	handle, ok := l.entries[key]
	if !ok {
		return nil, domain.NewDomainError("Registry.Via", domain.ErrNotFound, key.String())
	}
	return handle, nil
}

func (l *Local) Lookup(key Key) []any {
	handle, err := l.Via(key)
	if err != nil {
		return nil
	}
	return []any{handle}
}

func (l *Local) Keys(handle any) []Key {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var keys []Key
	for k, h := range l.entries {
		if h == handle {
			keys = append(keys, k)
		}
	}
	return keys
}

func (l *Local) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Local) Select(p Pattern) []Match {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var matches []Match
	for k, h := range l.entries {
		if p.Matches(k) {
			matches = append(matches, Match{Key: k, Handle: h, Node: l.node})
		}
	}
	return matches
}

func (l *Local) MemberSet() []string { return []string{l.node} }

var _ Registry = (*Local)(nil)
