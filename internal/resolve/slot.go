package resolve

import (
	"net/netip"
	"sync/atomic"
)

// Slot holds the most recently resolved remote address.
//
// There is one writer (the Resolver) and any number of readers. A reader
// observes either no address or a complete one, never a partial update.
// Once set, a Slot is never cleared; it is only overwritten.
type Slot struct {
	addr atomic.Pointer[netip.AddrPort]
}

// Load returns the current address and whether one has been published.
func (s *Slot) Load() (netip.AddrPort, bool) {
	p := s.addr.Load()
	if p == nil {
		return netip.AddrPort{}, false
	}
	return *p, true
}

// Set publishes addr and reports whether it differs from the previous value.
// Setting the same address again is a no-op.
func (s *Slot) Set(addr netip.AddrPort) bool {
	if cur := s.addr.Load(); cur != nil && *cur == addr {
		return false
	}
	s.addr.Store(&addr)
	return true
}
