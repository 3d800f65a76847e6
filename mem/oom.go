package mem

import "menixgo/oommsg"

/// notifyOom publishes a low-memory notice on oommsg.OomCh, if and only if
/// a reclaim daemon is actually listening; the bitmap allocator never
/// blocks on it, so a page allocation fails immediately either way and the
/// notification only matters for whoever is watching OomCh to try freeing
/// memory before the next attempt.
func notifyOom(need int) {
	msg := oommsg.Oommsg_t{Need: need, Resume: make(chan bool, 1)}
	select {
	case oommsg.OomCh <- msg:
	default:
	}
}
