package mem

import (
	"testing"
	"unsafe"
)

func freshPhysmem(t *testing.T, mib int) {
	t.Helper()
	// Phys_init rebuilds the global allocator in place; tests in this
	// package run sequentially so reinitializing per test is safe and
	// gives each test a known-size, known-free arena.
	Phys_init([]Region_t{{Base: 0, Len: uint64(mib) * 1024 * 1024, Usage: Free}})
}

// TestAllocFreeRoundTrip checks invariant 3 (free+allocated == total) and
// the alloc/free round-trip property: the free count returns to its
// pre-allocation value once every allocated page is released.
func TestAllocFreeRoundTrip(t *testing.T) {
	freshPhysmem(t, 16)

	freeBefore, total := Physmem.Pgcount()
	if freeBefore+0 > total {
		t.Fatalf("free (%d) exceeds total (%d)", freeBefore, total)
	}

	const n = 64
	addrs := make([]Pa_t, 0, n)
	for i := 0; i < n; i++ {
		_, p, ok := Physmem.Refpg_new()
		if !ok {
			t.Fatalf("Refpg_new failed on iteration %d", i)
		}
		Physmem.Refup(p) // refcnt starts at 0; take the sole reference
		addrs = append(addrs, p)
	}

	freeAfterAlloc, _ := Physmem.Pgcount()
	if freeAfterAlloc != freeBefore-n {
		t.Fatalf("free after %d allocs = %d, want %d", n, freeAfterAlloc, freeBefore-n)
	}

	for _, p := range addrs {
		Physmem.Refdown(p) // drops the sole reference, returning the frame
	}

	freeAfterFree, _ := Physmem.Pgcount()
	if freeAfterFree != freeBefore {
		t.Fatalf("free after round trip = %d, want %d (pre-allocation value)", freeAfterFree, freeBefore)
	}
}

// TestRefcountSharedPageSurvivesSingleDrop models the fork sharing policy:
// a page with refcount 2 is not returned to the allocator until both
// references are dropped.
func TestRefcountSharedPageSurvivesSingleDrop(t *testing.T) {
	freshPhysmem(t, 4)

	_, p, ok := Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}
	Physmem.Refup(p) // first owner
	Physmem.Refup(p) // simulate a second owner (e.g. a second mapping)

	freeBefore, _ := Physmem.Pgcount()
	if freed := Physmem.Refdown(p); freed {
		t.Fatalf("page freed after dropping only one of two references")
	}
	freeMid, _ := Physmem.Pgcount()
	if freeMid != freeBefore {
		t.Fatalf("free count changed on a non-final Refdown: %d -> %d", freeBefore, freeMid)
	}

	if freed := Physmem.Refdown(p); !freed {
		t.Fatalf("page not freed after dropping its last reference")
	}
	freeAfter, _ := Physmem.Pgcount()
	if freeAfter != freeBefore+1 {
		t.Fatalf("free count after final Refdown = %d, want %d", freeAfter, freeBefore+1)
	}
}

// TestAllocExhaustion checks that the allocator reports OOM rather than
// silently succeeding once every frame is taken (§7: "allocation failures
// ... never silently succeed").
func TestAllocExhaustion(t *testing.T) {
	freshPhysmem(t, 1)

	// Phys_init itself reserves one frame for the shared zero page, so the
	// number of frames still available to allocate is the post-init free
	// count, not the raw total.
	freeBefore, total := Physmem.Pgcount()
	allocated := 0
	for {
		_, _, ok := Physmem.Refpg_new_nozero()
		if !ok {
			break
		}
		allocated++
		if allocated > total {
			t.Fatalf("allocator handed out more frames (%d) than exist (%d)", allocated, total)
		}
	}
	if allocated != freeBefore {
		t.Fatalf("allocated %d frames before OOM, want exactly %d", allocated, freeBefore)
	}
}

// TestAllocRunReturnsContiguousFrames checks the §4.A component-A contract
// literally: Alloc(n) returns a single run of n consecutive clear bits, not
// just n frames picked one at a time, and Free(addr, n) returns the whole
// run to the pool in one call (the alloc/free round-trip property).
func TestAllocRunReturnsContiguousFrames(t *testing.T) {
	freshPhysmem(t, 16)

	freeBefore, _ := Physmem.Pgcount()

	const n = 8
	addr, ok := Physmem.Alloc(n)
	if !ok {
		t.Fatalf("Alloc(%d) failed", n)
	}

	// Every frame in the run must actually be page-spaced and writable
	// through Dmap8 (proves the run is n real, addressable, distinct
	// frames rather than one frame reported n times).
	for i := 0; i < n; i++ {
		bpg := Physmem.Dmap8(addr + Pa_t(i*PGSIZE))
		bpg[0] = byte(i + 1)
	}
	for i := 0; i < n; i++ {
		bpg := Physmem.Dmap8(addr + Pa_t(i*PGSIZE))
		if bpg[0] != byte(i+1) {
			t.Fatalf("frame %d of the run aliases another frame in the run", i)
		}
	}

	freeAfterAlloc, _ := Physmem.Pgcount()
	if freeAfterAlloc != freeBefore-n {
		t.Fatalf("free after Alloc(%d) = %d, want %d", n, freeAfterAlloc, freeBefore-n)
	}

	Physmem.Free(addr, n)
	freeAfterFree, _ := Physmem.Pgcount()
	if freeAfterFree != freeBefore {
		t.Fatalf("free after Free(addr, %d) = %d, want %d (pre-allocation value)", n, freeAfterFree, freeBefore)
	}
}

// TestAllocRunDoubleFreePanics checks that freeing frames not currently
// marked used is a fatal invariant violation, not a silent no-op.
func TestAllocRunDoubleFreePanics(t *testing.T) {
	freshPhysmem(t, 4)

	addr, ok := Physmem.Alloc(2)
	if !ok {
		t.Fatalf("Alloc(2) failed")
	}
	Physmem.Free(addr, 2)

	defer func() {
		if recover() == nil {
			t.Fatalf("Free of already-free frames did not panic")
		}
	}()
	Physmem.Free(addr, 2)
}

// TestPhysBaseRoundTrip checks UpdatePhysBase/PhysBase's accessor round
// trip (§4.A: "update_phys_base(ptr) ... phys_base() -> *void").
func TestPhysBaseRoundTrip(t *testing.T) {
	freshPhysmem(t, 1)

	if got := Physmem.PhysBase(); got != nil {
		t.Fatalf("PhysBase before any UpdatePhysBase call = %v, want nil", got)
	}
	var dummy byte
	ptr := unsafe.Pointer(&dummy)
	Physmem.UpdatePhysBase(ptr)
	if got := Physmem.PhysBase(); got != ptr {
		t.Fatalf("PhysBase after UpdatePhysBase = %v, want %v", got, ptr)
	}
}
