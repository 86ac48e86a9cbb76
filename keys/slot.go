package keys

import "sync/atomic"

// Slot is the atomic-swap publication point for a process's own keypair
// (spec §9: "the keypair slot ... use[s] an atomic swap so readers never
// block writers during rotation"). Readers always see either the old pair
// or the new one, never a torn private/public mismatch.
type Slot struct {
	p atomic.Pointer[KeyPair]
}

// NewSlot publishes kp as the initial value.
func NewSlot(kp *KeyPair) *Slot {
	s := &Slot{}
	s.p.Store(kp)
	return s
}

// Load returns the current keypair.
func (s *Slot) Load() *KeyPair { return s.p.Load() }

// Store publishes a new keypair, e.g. after Rotate.
func (s *Slot) Store(kp *KeyPair) { s.p.Store(kp) }

// AcceptedKeys is the atomic-swap publication point for the process-wide
// accepted-keys list used by the ListedKeys validator (spec §4.4). An empty
// list means "accept any" for Core->Periphery connections (spec §6).
type AcceptedKeys struct {
	p atomic.Pointer[[]*SpkiPublicKey]
}

// NewAcceptedKeys publishes the initial list.
func NewAcceptedKeys(keys []*SpkiPublicKey) *AcceptedKeys {
	a := &AcceptedKeys{}
	a.p.Store(&keys)
	return a
}

// Load returns the current list. The returned slice must not be mutated.
func (a *AcceptedKeys) Load() []*SpkiPublicKey {
	p := a.p.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Store publishes a new list.
func (a *AcceptedKeys) Store(keys []*SpkiPublicKey) { a.p.Store(&keys) }

// Contains reports whether candidate matches any key in the list.
func (a *AcceptedKeys) Contains(candidate *SpkiPublicKey) bool {
	for _, k := range a.Load() {
		if k.Equal(candidate) {
			return true
		}
	}
	return false
}
