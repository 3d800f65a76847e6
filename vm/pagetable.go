package vm

import (
	"menixgo/defs"
	"menixgo/mem"
)

// A four-level software page table (PML4 -> PDPT -> PD -> PT -> frame),
// indexed the same way x86_64 hardware paging is, but walked entirely in
// Go: "physical" pages are frames inside mem's simulated backing array,
// reached through mem.Physmem.Dmap.

func pteIndices(va int) (l4, l3, l2, l1 int) {
	v := uint(va)
	l4 = int((v >> 39) & 0x1ff)
	l3 = int((v >> 30) & 0x1ff)
	l2 = int((v >> 21) & 0x1ff)
	l1 = int((v >> 12) & 0x1ff)
	return
}

func nextLevel(pm *mem.Pmap_t, idx int, create bool, perms mem.Pa_t) (*mem.Pmap_t, defs.Err_t) {
	if pm[idx]&mem.PTE_P == 0 {
		if !create {
			return nil, defs.EFAULT
		}
		child, p_child, ok := mem.Physmem.Pmap_new()
		if !ok {
			return nil, defs.ENOMEM
		}
		mem.Physmem.Refup(p_child)
		pm[idx] = (p_child & mem.PTE_ADDR) | perms | mem.PTE_P
		return child, 0
	}
	return mem.Pg2pmap(mem.Physmem.Dmap(pm[idx] & mem.PTE_ADDR)), 0
}

/// pmap_walk returns a pointer to the leaf PTE for va, allocating
/// intermediate page-table pages (with the given intermediate
/// permissions) as needed.
func pmap_walk(pm *mem.Pmap_t, va int, iperms mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	l4, l3, l2, l1 := pteIndices(va)
	t3, err := nextLevel(pm, l4, true, iperms)
	if err != 0 {
		return nil, err
	}
	t2, err := nextLevel(t3, l3, true, iperms)
	if err != 0 {
		return nil, err
	}
	t1, err := nextLevel(t2, l2, true, iperms)
	if err != 0 {
		return nil, err
	}
	return &t1[l1], 0
}

/// Pmap_lookup returns the leaf PTE for va without allocating anything,
/// or nil if an intermediate level is missing.
func Pmap_lookup(pm *mem.Pmap_t, va int) *mem.Pa_t {
	l4, l3, l2, l1 := pteIndices(va)
	t3, err := nextLevel(pm, l4, false, 0)
	if err != 0 {
		return nil
	}
	t2, err := nextLevel(t3, l3, false, 0)
	if err != 0 {
		return nil
	}
	t1, err := nextLevel(t2, l2, false, 0)
	if err != 0 {
		return nil
	}
	return &t1[l1]
}

/// freeUserTables recursively frees the user-half (PML4 indices 0-255)
/// intermediate page-table pages of pm. Leaf data frames must already be
/// unmapped by the caller; this only reclaims the page tables themselves.
func freeUserTables(pm *mem.Pmap_t) {
	freeLevel(pm, 3, true)
}

func freeLevel(pm *mem.Pmap_t, level int, userOnly bool) {
	hi := 512
	if userOnly {
		hi = 256
	}
	for i := 0; i < hi; i++ {
		e := pm[i]
		if e&mem.PTE_P == 0 {
			continue
		}
		if level > 0 {
			child := mem.Pg2pmap(mem.Physmem.Dmap(e & mem.PTE_ADDR))
			freeLevel(child, level-1, false)
			mem.Physmem.Refdown(e & mem.PTE_ADDR)
		}
		pm[i] = 0
	}
}
