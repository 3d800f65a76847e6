package vm

import (
	"testing"

	"menixgo/mem"
)

func freshArena(t *testing.T, mib int) {
	t.Helper()
	mem.Phys_init([]mem.Region_t{{Base: 0, Len: uint64(mib) * 1024 * 1024, Usage: mem.Free}})
}

func newAs(t *testing.T) *Vm_t {
	t.Helper()
	pm, p_pm, ok := Page_map_new()
	if !ok {
		t.Fatalf("Page_map_new failed")
	}
	return &Vm_t{Pmap: pm, P_pmap: p_pm}
}

// TestMapTranslateUnmap checks invariant 4: map(p,va,pa); translate(p,va)
// == pa, and unmap(p,va); translate == unmapped.
func TestMapTranslateUnmap(t *testing.T) {
	freshArena(t, 8)
	as := newAs(t)

	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}
	mem.Physmem.Refup(p_pg)

	const va = 0x1000 * 17
	if !as.Map(va, p_pg, PTE_U|PTE_W) {
		t.Fatalf("Map failed")
	}

	got, ok := as.Translate(va)
	if !ok {
		t.Fatalf("Translate reported unmapped right after Map")
	}
	if got&mem.PGMASK != p_pg&mem.PGMASK {
		t.Fatalf("Translate(va) = %#x, want %#x", got, p_pg)
	}

	if !as.Unmap(va) {
		t.Fatalf("Unmap failed")
	}
	if _, ok := as.Translate(va); ok {
		t.Fatalf("Translate still resolves va after Unmap")
	}
}

// TestProtectPreservesAddress checks invariant 5: translate . protect ==
// translate.
func TestProtectPreservesAddress(t *testing.T) {
	freshArena(t, 8)
	as := newAs(t)

	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}
	mem.Physmem.Refup(p_pg)

	const va = 0x1000 * 42
	if !as.Map(va, p_pg, PTE_U|PTE_W|mem.PTE_P) {
		t.Fatalf("Map failed")
	}

	before, ok := as.Translate(va)
	if !ok {
		t.Fatalf("Translate failed before Protect")
	}

	if !as.Protect(va, PTE_U|mem.PTE_P) { // drop writability
		t.Fatalf("Protect failed")
	}

	after, ok := as.Translate(va)
	if !ok {
		t.Fatalf("Translate failed after Protect")
	}
	if before != after {
		t.Fatalf("Protect changed the translated address: %#x -> %#x", before, after)
	}
}

// TestProtectOnUnmappedFails checks Protect's boundary behavior: nothing
// was ever mapped at va, so it must report failure rather than silently
// installing a mapping.
func TestProtectOnUnmappedFails(t *testing.T) {
	freshArena(t, 8)
	as := newAs(t)
	if as.Protect(0x5000, PTE_U) {
		t.Fatalf("Protect on an unmapped address reported success")
	}
}

// TestForkReadEquivalence checks invariant 6: immediately after fork,
// every user virtual address readable in the parent is readable in the
// child and yields the same bytes.
func TestForkReadEquivalence(t *testing.T) {
	freshArena(t, 8)
	parent := newAs(t)

	const start = 0x400000
	if err := parent.Vmadd_anon(start, PGSIZE, PTE_U|PTE_W); err != 0 {
		t.Fatalf("Vmadd_anon failed: %v", err)
	}

	parentPhys, ok := parent.Translate(start)
	if !ok {
		t.Fatalf("Translate failed in parent before fork")
	}
	mem.Physmem.Dmap8(parentPhys & mem.PGMASK)[0] = 0xAB

	child, ok := Page_map_fork(parent)
	if !ok {
		t.Fatalf("Page_map_fork failed")
	}

	childPhys, ok := child.Translate(start)
	if !ok {
		t.Fatalf("Translate failed in child right after fork")
	}
	parentByte := mem.Physmem.Dmap8(parentPhys & mem.PGMASK)[0]
	childByte := mem.Physmem.Dmap8(childPhys & mem.PGMASK)[0]
	if parentByte != childByte {
		t.Fatalf("parent/child bytes diverge right after fork: %#x != %#x", parentByte, childByte)
	}
	if parentByte != 0xAB {
		t.Fatalf("unexpected parent byte %#x, want 0xAB", parentByte)
	}
}

// TestMapUnmapIdempotentAtLeafLevel checks the round-trip property: map
// then unmap leaves translate() back at "unmapped" and does not leak the
// frame (Refdown brings the allocator's free count back to its
// pre-mapping value).
func TestMapUnmapIdempotentAtLeafLevel(t *testing.T) {
	freshArena(t, 8)
	as := newAs(t)

	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}
	mem.Physmem.Refup(p_pg)

	const va = 0x1000 * 9
	if !as.Map(va, p_pg, PTE_U|PTE_W) {
		t.Fatalf("Map failed")
	}
	// Intermediate page-table levels allocated by Map's pmap_walk are not
	// released by Unmap (only the leaf), so compare free counts around
	// Unmap alone, not around the whole Map+Unmap sequence.
	freeAfterMap, _ := mem.Physmem.Pgcount()

	if !as.Unmap(va) {
		t.Fatalf("Unmap failed")
	}
	if _, ok := as.Translate(va); ok {
		t.Fatalf("Translate still resolves va after Unmap")
	}

	freeAfterUnmap, _ := mem.Physmem.Pgcount()
	if freeAfterUnmap != freeAfterMap+1 {
		t.Fatalf("free count after Unmap = %d, want %d (leaf frame returned)", freeAfterUnmap, freeAfterMap+1)
	}
}

// TestMapForeignAliasesBackingFrames checks that Map_foreign hands back a
// real alias onto the mapped frames, not a copy: a write through the
// returned view must be visible both to a later Map_foreign call and to a
// direct Translate+Dmap8 read of the same physical frame (the property
// elf.loadSegment's PT_LOAD payload copy depends on).
func TestMapForeignAliasesBackingFrames(t *testing.T) {
	freshArena(t, 8)
	as := newAs(t)

	const va = 0x1000 * 3
	const npages = 2
	phys := make([]mem.Pa_t, npages)
	for i := 0; i < npages; i++ {
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			t.Fatalf("Refpg_new failed")
		}
		mem.Physmem.Refup(p_pg)
		phys[i] = p_pg
		if !as.Map(va+i*PGSIZE, p_pg, PTE_U|PTE_W) {
			t.Fatalf("Map failed")
		}
	}

	alias, ok := Map_foreign(as, va, npages)
	if !ok {
		t.Fatalf("Map_foreign failed")
	}
	if len(alias) != npages {
		t.Fatalf("Map_foreign returned %d page views, want %d", len(alias), npages)
	}
	alias[0][0] = 0xAB
	alias[1][5] = 0xCD
	Unmap_foreign(alias)

	p0, ok := as.Translate(va)
	if !ok {
		t.Fatalf("Translate(va) reports unmapped")
	}
	if got := mem.Physmem.Dmap8(p0)[0]; got != 0xAB {
		t.Fatalf("byte written through Map_foreign alias did not land in the mapped frame: got %#x, want 0xAB", got)
	}
	p1, ok := as.Translate(va + PGSIZE)
	if !ok {
		t.Fatalf("Translate(va+PGSIZE) reports unmapped")
	}
	if got := mem.Physmem.Dmap8(p1)[5]; got != 0xCD {
		t.Fatalf("byte written through Map_foreign alias did not land in the second mapped frame: got %#x, want 0xCD", got)
	}
}
