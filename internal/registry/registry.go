// Package registry is the SERVER-side map from remote peer address to slot.
// It is the only component allowed to move a slot between UNASSIGNED and
// ASSIGNING: every other mutation a slot undergoes (Activate, touch,
// BeginReset) is driven by the worker that owns it, but binding a new peer
// address to a free slot is a decision made once, under a single lock, so
// two peers' first datagrams never race onto the same slot.
package registry

import (
	"net"
	"sort"
	"sync"

	"github.com/WinterSnowfall/wookiee-unicaster/build"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/slot"
)

// Registry tracks which peer address currently owns which slot.
type Registry struct {
	mu    sync.RWMutex
	slots []*slot.Slot
	byKey map[string]*slot.Slot
}

// New builds a registry over the given slots, indexed by Index ascending.
// The slots are expected to already be constructed (by the engine) and are
// not copied.
func New(slots []*slot.Slot) *Registry {
	ordered := make([]*slot.Slot, len(slots))
	copy(ordered, slots)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	return &Registry{
		slots: ordered,
		byKey: make(map[string]*slot.Slot, len(slots)),
	}
}

func key(addr *net.UDPAddr) string {
	return addr.String()
}

// Lookup returns the slot currently bound to addr, if any.
func (r *Registry) Lookup(addr *net.UDPAddr) (*slot.Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[key(addr)]
	return s, ok
}

// Assign binds addr to a slot. If addr is already bound, its existing slot
// is returned unchanged (a peer's later datagrams must not steal a second slot)
// and fresh is false. Otherwise the lowest-index free slot is claimed and
// fresh is true. ok is false if every slot is occupied, in which case the
// datagram that triggered this call must be dropped.
func (r *Registry) Assign(addr *net.UDPAddr) (s *slot.Slot, fresh bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(addr)
	if existing, found := r.byKey[k]; found {
		return existing, false, true
	}

	for _, cand := range r.slots {
		if !cand.Assigned() {
			cand.Assign(addr)
			r.byKey[k] = cand
			return cand, true, true
		}
	}
	if len(r.byKey) < len(r.slots) {
		// Every slot claims to be assigned, yet the address map disagrees
		// with the slot count: a slot's own state diverged from the
		// registry's bookkeeping, which should be impossible since Assign
		// and Reset are the only writers and both hold r.mu.
		build.Severe("registry: slot/address-map mismatch", len(r.byKey), len(r.slots))
	}
	return nil, false, false
}

// Reset tears down the single slot bound to addr, if any, and removes it
// from the address map. It is a no-op if addr has no slot.
func (r *Registry) Reset(addr *net.UDPAddr) {
	r.mu.Lock()
	k := key(addr)
	s, ok := r.byKey[k]
	if ok {
		delete(r.byKey, k)
	}
	r.mu.Unlock()

	if ok {
		s.BeginReset()
	}
}

// ResetSlot tears down whichever address currently owns the given slot.
// Used by the supervisor's per-peer inactivity timer, which knows the slot
// but not necessarily the still-current address (a race with a concurrent
// Reset would otherwise double-delete).
func (r *Registry) ResetSlot(s *slot.Slot) {
	addr := s.RemoteAddr()
	if addr == nil {
		return
	}
	r.Reset(addr)
}

// Purge tears down every assigned slot and clears the entire address map,
// used when the global inactivity timeout fires and the whole session is
// considered abandoned.
func (r *Registry) Purge() {
	r.mu.Lock()
	r.byKey = make(map[string]*slot.Slot, len(r.slots))
	slots := make([]*slot.Slot, len(r.slots))
	copy(slots, r.slots)
	r.mu.Unlock()

	for _, s := range slots {
		if s.Assigned() {
			s.BeginReset()
		}
	}
}

// Slots returns the registry's slots in ascending index order.
func (r *Registry) Slots() []*slot.Slot {
	out := make([]*slot.Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Len reports the number of slots managed by this registry.
func (r *Registry) Len() int {
	return len(r.slots)
}
