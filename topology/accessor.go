package topology

import "sync/atomic"

// Accessor is the shared, read-optimized handle onto the current
// topology Snapshot (spec §4.2). Writers (the Refresher) replace the
// snapshot atomically; readers obtain either the pre- or post-refresh
// snapshot in its entirety, never a torn state, since atomic.Value swaps
// a whole pointer.
type Accessor struct {
	v atomic.Value // holds *Snapshot
}

// NewAccessor creates an Accessor with no snapshot published yet; Current
// returns nil until the first Publish.
func NewAccessor() *Accessor {
	return &Accessor{}
}

// Current returns the most recently published Snapshot, or nil if none
// has been published.
func (a *Accessor) Current() *Snapshot {
	v := a.v.Load()
	if v == nil {
		return nil
	}
	return v.(*Snapshot)
}

// Routable reports whether the current snapshot is routable. A nil
// snapshot (no refresh has ever completed) is never routable.
func (a *Accessor) Routable() bool {
	return a.Current().Routable()
}

// Publish atomically swaps in a new Snapshot, visible to all subsequent
// Current() calls.
func (a *Accessor) Publish(s *Snapshot) {
	a.v.Store(s)
}
