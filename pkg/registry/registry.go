// Package registry implements the transport registry described by the
// core: a lookup of active per-peer transports keyed by remote address and
// priority, so a server can find or replace a peer's session without
// tracking it anywhere else.
//
// It is grounded on pvAccessCPP's TransportRegistry
// (original_source/pvAccessApp/utils/transportRegistry.cpp): a two-level
// map (address, then priority) with replace-without-increment semantics on
// Put and a running count maintained alongside the maps rather than
// recomputed from them.
package registry

import (
	"net"
	"sort"
	"sync"

	"github.com/openpva/pvacore/pkg/transport"
)

// Registry is a concurrency-safe lookup of active transports keyed by
// remote address and priority. The zero value is ready to use.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]map[int16]*transport.Transport
	count int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byKey: make(map[string]map[int16]*transport.Transport)}
}

func addrKey(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Put registers tr under its own RemoteAddress and priority, replacing
// whatever transport previously occupied that slot. Replacing an existing
// (address, priority) pair does not change NumberOfActiveTransports; only a
// genuinely new slot does.
func (r *Registry) Put(tr *transport.Transport) {
	key := addrKey(tr.RemoteAddress())
	priority := tr.GetPriority()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byKey == nil {
		r.byKey = make(map[string]map[int16]*transport.Transport)
	}
	priorities, ok := r.byKey[key]
	if !ok {
		priorities = make(map[int16]*transport.Transport)
		r.byKey[key] = priorities
		r.count++
	} else if _, exists := priorities[priority]; !exists {
		r.count++
	}
	priorities[priority] = tr
}

// Get returns the transport registered for address at priority, or nil if
// none is registered there.
func (r *Registry) Get(address *net.UDPAddr, priority int16) *transport.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	priorities, ok := r.byKey[addrKey(address)]
	if !ok {
		return nil
	}
	return priorities[priority]
}

// GetAll returns every transport registered for address, across all
// priorities, in priority order. It returns nil if address has no
// registered transports.
func (r *Registry) GetAll(address *net.UDPAddr) []*transport.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	priorities, ok := r.byKey[addrKey(address)]
	if !ok {
		return nil
	}
	out := make([]*transport.Transport, 0, len(priorities))
	for _, p := range sortedPriorities(priorities) {
		out = append(out, priorities[p])
	}
	return out
}

// Remove unregisters tr from the slot matching its own RemoteAddress and
// priority, returning the transport that occupied that slot (which may be
// a different instance than tr if it was replaced since). Removing the
// last priority under an address drops the address entirely.
func (r *Registry) Remove(tr *transport.Transport) *transport.Transport {
	key := addrKey(tr.RemoteAddress())
	priority := tr.GetPriority()

	r.mu.Lock()
	defer r.mu.Unlock()

	priorities, ok := r.byKey[key]
	if !ok {
		return nil
	}
	removed, ok := priorities[priority]
	if !ok {
		return nil
	}
	delete(priorities, priority)
	r.count--
	if len(priorities) == 0 {
		delete(r.byKey, key)
	}
	return removed
}

// Clear removes every registered transport.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[string]map[int16]*transport.Transport)
	r.count = 0
}

// NumberOfActiveTransports returns the number of (address, priority) slots
// currently occupied.
func (r *Registry) NumberOfActiveTransports() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// ToArray returns every registered transport across every address,
// concatenated in priority-ascending order within each address. It
// returns nil when the registry is empty.
func (r *Registry) ToArray() []*transport.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}
	out := make([]*transport.Transport, 0, r.count)
	for _, priorities := range r.byKey {
		for _, p := range sortedPriorities(priorities) {
			out = append(out, priorities[p])
		}
	}
	return out
}

// sortedPriorities returns m's keys in ascending order, matching the
// registry's documented inner-map iteration order.
func sortedPriorities(m map[int16]*transport.Transport) []int16 {
	keys := make([]int16, 0, len(m))
	for p := range m {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
