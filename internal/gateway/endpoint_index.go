package gateway

import (
	"sync"
	"sync/atomic"
)

// endpointIndex is a reverse index from endpoint tag to subscribed
// session IDs, the same copy-on-write atomic.Value snapshot technique
// as the teacher's SubscriptionIndex (internal/shared/connection.go):
// Add/Remove load the current slice and store a new copy without
// holding mu (they are called only from the gateway's mailbox
// goroutine); mu guards only the endpoint map, taken for writing when
// a new endpoint is added. Get takes mu for reading to find the
// endpoint, then loads its slice atomically.
type endpointIndex struct {
	mu      sync.RWMutex
	entries map[string]*atomic.Value // holds []string
}

func newEndpointIndex() *endpointIndex {
	return &endpointIndex{entries: make(map[string]*atomic.Value)}
}

func (idx *endpointIndex) valueFor(endpoint string) *atomic.Value {
	idx.mu.RLock()
	v, ok := idx.entries[endpoint]
	idx.mu.RUnlock()
	if ok {
		return v
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if v, ok := idx.entries[endpoint]; ok {
		return v
	}
	v = &atomic.Value{}
	idx.entries[endpoint] = v
	return v
}

// Add registers id under endpoint.
func (idx *endpointIndex) Add(endpoint, id string) {
	v := idx.valueFor(endpoint)

	var current []string
	if loaded := v.Load(); loaded != nil {
		current = loaded.([]string)
	}
	for _, existing := range current {
		if existing == id {
			return
		}
	}
	next := make([]string, len(current)+1)
	copy(next, current)
	next[len(current)] = id
	v.Store(next)
}

// Remove unregisters id from endpoint.
func (idx *endpointIndex) Remove(endpoint, id string) {
	idx.mu.RLock()
	v, ok := idx.entries[endpoint]
	idx.mu.RUnlock()
	if !ok {
		return
	}

	loaded := v.Load()
	if loaded == nil {
		return
	}
	current := loaded.([]string)
	next := make([]string, 0, len(current))
	for _, existing := range current {
		if existing != id {
			next = append(next, existing)
		}
	}
	v.Store(next)
}

// Get returns a snapshot of session IDs subscribed to endpoint.
func (idx *endpointIndex) Get(endpoint string) []string {
	idx.mu.RLock()
	v, ok := idx.entries[endpoint]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	loaded := v.Load()
	if loaded == nil {
		return nil
	}
	return loaded.([]string)
}

// All returns every session ID across every endpoint, for an
// unfiltered broadcast.
func (idx *endpointIndex) All() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var all []string
	for _, v := range idx.entries {
		if loaded := v.Load(); loaded != nil {
			all = append(all, loaded.([]string)...)
		}
	}
	return all
}
