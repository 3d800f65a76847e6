// Package vm implements per-process virtual address spaces: eager page
// mapping over a software page table, with no demand paging or
// copy-on-write. Every mapping installed by Vmadd_anon/Vmadd_file is backed
// by real physical frames at insertion time.
package vm

import (
	"sync"

	"menixgo/defs"
	"menixgo/mem"
	"menixgo/ustr"
	"menixgo/util"
	"menixgo/vfs"
)

const (
	PGSHIFT = mem.PGSHIFT
	PGSIZE  = mem.PGSIZE
	PGOFFSET = mem.PGOFFSET

	PTE_P   = mem.PTE_P
	PTE_W   = mem.PTE_W
	PTE_U   = mem.PTE_U
	PTE_G   = mem.PTE_G
	PTE_PCD = mem.PTE_PCD
	PTE_PS  = mem.PTE_PS
	PTE_ADDR = mem.PTE_ADDR
)

/// mtype_t distinguishes the kind of backing storage for a region.
type mtype_t int

const (
	VANON mtype_t = iota
	VFILE
)

/// Vminfo_t describes one mapped region of a process's address space:
/// [Pgn*PGSIZE, (Pgn+Pglen)*PGSIZE) with the given permission bits.
type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint
	file  struct {
		fops vfs.Handle
		foff int
	}
}

func (vmi *Vminfo_t) start() uintptr { return vmi.Pgn << PGSHIFT }
func (vmi *Vminfo_t) end() uintptr   { return (vmi.Pgn + uintptr(vmi.Pglen)) << PGSHIFT }

/// Vmregion_t tracks the non-overlapping mapped regions of one address
/// space, kept sorted by starting virtual page number.
type Vmregion_t struct {
	regions []*Vminfo_t
}

func (r *Vmregion_t) insert(vmi *Vminfo_t) {
	i := 0
	for ; i < len(r.regions); i++ {
		if r.regions[i].Pgn > vmi.Pgn {
			break
		}
	}
	r.regions = append(r.regions, nil)
	copy(r.regions[i+1:], r.regions[i:])
	r.regions[i] = vmi
}

/// Lookup finds the region containing virtual address va, if any.
func (r *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	for _, vmi := range r.regions {
		if va >= vmi.start() && va < vmi.end() {
			return vmi, true
		}
	}
	return nil, false
}

/// Remove drops the region exactly matching [start,start+len).
func (r *Vmregion_t) Remove(start uintptr, pglen int) {
	for i, vmi := range r.regions {
		if vmi.Pgn == start>>PGSHIFT && vmi.Pglen == pglen {
			r.regions = append(r.regions[:i], r.regions[i+1:]...)
			return
		}
	}
}

/// Clear removes every region, releasing any backing file handles.
func (r *Vmregion_t) Clear() {
	for _, vmi := range r.regions {
		if vmi.Mtype == VFILE && vmi.file.fops != nil {
			vmi.file.fops.Close()
		}
	}
	r.regions = nil
}

/// empty finds the first unused virtual range of len bytes at or after
/// startva, used to place new mappings (mmap with addr hint 0, stacks).
func (r *Vmregion_t) empty(startva uintptr, len uintptr) uintptr {
	cur := startva
	for {
		var hit *Vminfo_t
		for _, vmi := range r.regions {
			if cur < vmi.end() && cur+len > vmi.start() {
				hit = vmi
				break
			}
		}
		if hit == nil {
			return cur
		}
		cur = hit.end()
	}
}

/// Vm_t is a process's address space: a root page-table page plus the
/// region list describing what is mapped there. The embedded mutex
/// serializes all modifications to Pmap, P_pmap, and Vmregion.
type Vm_t struct {
	sync.Mutex
	Vmregion Vmregion_t
	Pmap     *mem.Pmap_t
	P_pmap   mem.Pa_t
}

/// Kernel_map is the template page map new address spaces' upper half is
/// copied from: the kernel text/data/direct-map mappings every process
/// shares.
var Kernel_map = &mem.Pmap_t{}

/// Page_map_new allocates a root page-table page and copies in the
/// kernel-half entries (the top half of a PML4, indices 256-511).
func Page_map_new() (*mem.Pmap_t, mem.Pa_t, bool) {
	pm, p_pm, ok := mem.Physmem.Pmap_new()
	if !ok {
		return nil, 0, false
	}
	mem.Physmem.Refup(p_pm)
	for i := 256; i < 512; i++ {
		pm[i] = Kernel_map[i]
	}
	return pm, p_pm, true
}

/// Page_map_fork duplicates src's user-half mappings into a new address
/// space. Every mapped leaf frame is copied into a fresh frame at fork time,
/// since this rendition has no copy-on-write to split shared frames lazily;
/// writes made in either address space after the fork are not seen by the
/// other.
func Page_map_fork(src *Vm_t) (*Vm_t, bool) {
	dst := &Vm_t{}
	pm, p_pm, ok := Page_map_new()
	if !ok {
		return nil, false
	}
	dst.Pmap = pm
	dst.P_pmap = p_pm
	for _, vmi := range src.Vmregion.regions {
		nvmi := &Vminfo_t{Mtype: vmi.Mtype, Pgn: vmi.Pgn, Pglen: vmi.Pglen, Perms: vmi.Perms}
		nvmi.file = vmi.file
		dst.Vmregion.insert(nvmi)
		for pn := 0; pn < vmi.Pglen; pn++ {
			va := int((vmi.Pgn + uintptr(pn)) << PGSHIFT)
			pte := Pmap_lookup(src.Pmap, va)
			if pte == nil || *pte&PTE_P == 0 {
				continue
			}
			npg, nphys, ok := mem.Physmem.Refpg_new_nozero()
			if !ok {
				Page_map_destroy(dst)
				return nil, false
			}
			*npg = *mem.Physmem.Dmap(*pte & PTE_ADDR)
			mem.Physmem.Refup(nphys)
			perms := *pte &^ PTE_ADDR
			if _, ok := dst.mapExact(va, nphys, perms); !ok {
				mem.Physmem.Refdown(nphys)
				Page_map_destroy(dst)
				return nil, false
			}
		}
	}
	return dst, true
}

/// Page_map_destroy recursively frees every user-half intermediate table
/// and leaf frame, then the root itself.
func Page_map_destroy(as *Vm_t) {
	for _, vmi := range as.Vmregion.regions {
		for pn := 0; pn < vmi.Pglen; pn++ {
			va := int((vmi.Pgn + uintptr(pn)) << PGSHIFT)
			as.unmapOne(va)
		}
	}
	as.Vmregion.Clear()
	freeUserTables(as.Pmap)
	mem.Physmem.Dec_pmap(as.P_pmap)
}

/// mapExact installs phys at va with the given raw PTE bits (already
/// including PTE_P), allocating intermediate levels as needed.
func (as *Vm_t) mapExact(va int, phys mem.Pa_t, rawPerms mem.Pa_t) (bool, bool) {
	pte, err := pmap_walk(as.Pmap, va, PTE_U|PTE_W)
	if err != 0 {
		return false, false
	}
	*pte = (phys & PTE_ADDR) | rawPerms
	return true, true
}

/// Map installs a leaf mapping translating vaddr to paddr with prot/flags,
/// allocating any missing intermediate page-table levels.
func (as *Vm_t) Map(vaddr int, paddr mem.Pa_t, perms mem.Pa_t) bool {
	pte, err := pmap_walk(as.Pmap, vaddr, PTE_U|PTE_W)
	if err != 0 {
		return false
	}
	if *pte&PTE_P != 0 {
		mem.Physmem.Refdown(mem.Pa_t(*pte & PTE_ADDR))
	}
	*pte = (paddr & PTE_ADDR) | perms | PTE_P
	return true
}

/// Protect changes the leaf flags at vaddr, preserving the physical
/// address, and returns false if nothing was mapped there.
func (as *Vm_t) Protect(vaddr int, perms mem.Pa_t) bool {
	pte := Pmap_lookup(as.Pmap, vaddr)
	if pte == nil || *pte&PTE_P == 0 {
		return false
	}
	*pte = (*pte & PTE_ADDR) | perms | PTE_P
	return true
}

/// Unmap clears the leaf entry at vaddr, dropping the frame's reference.
func (as *Vm_t) Unmap(vaddr int) bool {
	return as.unmapOne(vaddr)
}

func (as *Vm_t) unmapOne(vaddr int) bool {
	pte := Pmap_lookup(as.Pmap, vaddr)
	if pte == nil || *pte&PTE_P == 0 {
		return false
	}
	phys := mem.Pa_t(*pte & PTE_ADDR)
	*pte = 0
	mem.Physmem.Refdown(phys)
	return true
}

/// Translate resolves vaddr to its backing physical address.
func (as *Vm_t) Translate(vaddr int) (mem.Pa_t, bool) {
	pte := Pmap_lookup(as.Pmap, vaddr)
	if pte == nil || *pte&PTE_P == 0 {
		return 0, false
	}
	return mem.Pa_t(*pte&PTE_ADDR) | mem.Pa_t(vaddr)&mem.PGOFFSET, true
}

/// Map_foreign stakes out a temporary kernel-visible view of n_pages
/// physical frames backing src_vaddr in src, one real alias slice per page
/// (the frames need not be physically contiguous, so the view cannot be a
/// single flat slice). Because this rendition simulates physical memory as
/// one flat array rather than a real hardware direct map, each page's alias
/// is simply the already-shared backing slice for that frame; writes through
/// it land directly in the mapped frame.
func Map_foreign(src *Vm_t, srcVaddr int, npages int) ([][]uint8, bool) {
	out := make([][]uint8, npages)
	for i := 0; i < npages; i++ {
		va := srcVaddr + i*PGSIZE
		phys, ok := src.Translate(va &^ (PGSIZE - 1))
		if !ok {
			return nil, false
		}
		out[i] = mem.Physmem.Dmap8(phys & mem.PGMASK)[:PGSIZE]
	}
	return out, true
}

/// Unmap_foreign is a no-op in this rendition: Map_foreign never installed
/// a separate kernel mapping to tear down, it only aliased existing frames.
func Unmap_foreign([][]uint8) {}

// --- region construction (eager: pages are allocated and mapped now) ---

/// Vmadd_anon eagerly allocates and maps a private anonymous region.
func (as *Vm_t) Vmadd_anon(start, length int, perms mem.Pa_t) defs.Err_t {
	vmi := as.mkvmi(VANON, start, length, perms, 0, nil)
	for pn := 0; pn < vmi.Pglen; pn++ {
		va := start + pn*PGSIZE
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			return defs.ENOMEM
		}
		mem.Physmem.Refup(p_pg)
		if !as.Map(va, p_pg, perms|PTE_P) {
			mem.Physmem.Refdown(p_pg)
			return defs.ENOMEM
		}
	}
	as.Vmregion.insert(vmi)
	return defs.Success
}

/// Vmadd_file eagerly maps a file-backed region, reading its contents
/// through fops at the time of insertion (no later fault-driven populate).
func (as *Vm_t) Vmadd_file(start, length int, perms mem.Pa_t, fops vfs.Handle, foff int) defs.Err_t {
	vmi := as.mkvmi(VFILE, start, length, perms, foff, fops)
	for pn := 0; pn < vmi.Pglen; pn++ {
		va := start + pn*PGSIZE
		pg, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			return defs.ENOMEM
		}
		mem.Physmem.Refup(p_pg)
		bpg := mem.Pg2bytes(pg)
		if fops != nil {
			uio := vfs.NewSliceUio(bpg[:])
			_, err := fops.Read(uio, foff+pn*PGSIZE)
			if err != 0 {
				mem.Physmem.Refdown(p_pg)
				return err
			}
		}
		if !as.Map(va, p_pg, perms|PTE_P) {
			mem.Physmem.Refdown(p_pg)
			return defs.ENOMEM
		}
	}
	as.Vmregion.insert(vmi)
	return defs.Success
}

func (as *Vm_t) mkvmi(mt mtype_t, start, length int, perms mem.Pa_t, foff int, fops vfs.Handle) *Vminfo_t {
	if length <= 0 {
		panic("bad vmi len")
	}
	if mem.Pa_t(start|length)&PGOFFSET != 0 {
		panic("start and len must be page aligned")
	}
	vmi := &Vminfo_t{
		Mtype: mt,
		Pgn:   uintptr(start) >> PGSHIFT,
		Pglen: util.Roundup(length, PGSIZE) >> PGSHIFT,
		Perms: uint(perms),
	}
	if mt == VFILE {
		vmi.file.fops = fops
		vmi.file.foff = foff
	}
	return vmi
}

/// Unusedva finds an unused virtual range of len bytes at or after
/// startva, used to place stacks and anonymous mmaps.
func (as *Vm_t) Unusedva(startva, length int) int {
	sv := util.Rounddown(startva, PGSIZE)
	if sv < mem.USERMIN {
		sv = mem.USERMIN
	}
	return int(as.Vmregion.empty(uintptr(sv), uintptr(length)))
}

// --- user/kernel copy helpers ---

/// Userdmap8r returns a kernel-visible read-only slice of the page backing
/// va, or EFAULT if nothing is mapped there.
func (as *Vm_t) Userdmap8r(va int) ([]uint8, defs.Err_t) {
	voff := va & int(PGOFFSET)
	pte := Pmap_lookup(as.Pmap, va)
	if pte == nil || *pte&PTE_P == 0 {
		return nil, defs.EFAULT
	}
	pg := mem.Physmem.Dmap(*pte & PTE_ADDR)
	return mem.Pg2bytes(pg)[voff:], defs.Success
}

func (as *Vm_t) userdmap8w(va int) ([]uint8, defs.Err_t) {
	pte := Pmap_lookup(as.Pmap, va)
	if pte == nil || *pte&PTE_P == 0 {
		return nil, defs.EFAULT
	}
	if *pte&PTE_W == 0 {
		return nil, defs.EFAULT
	}
	voff := va & int(PGOFFSET)
	pg := mem.Physmem.Dmap(*pte & PTE_ADDR)
	return mem.Pg2bytes(pg)[voff:], defs.Success
}

/// Userreadn reads n (<=8) bytes at va as a little-endian integer.
func (as *Vm_t) Userreadn(va, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	as.Lock()
	defer as.Unlock()
	var ret int
	for i := 0; i < n; {
		src, err := as.Userdmap8r(va + i)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		ret |= util.Readn(src, l, 0) << (8 * uint(i))
		i += l
	}
	return ret, 0
}

/// Userwriten writes the low n bytes of val to va.
func (as *Vm_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	as.Lock()
	defer as.Unlock()
	for i := 0; i < n; {
		dst, err := as.userdmap8w(va + i)
		if err != 0 {
			return err
		}
		l := n - i
		if len(dst) < l {
			l = len(dst)
		}
		util.Writen(dst, l, 0, val>>(8*uint(i)))
		i += l
	}
	return 0
}

/// Userstr copies a NUL-terminated string from user memory, up to lenmax
/// bytes, returning ENAMETOOLONG if it does not terminate in time.
func (as *Vm_t) Userstr(uva, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	as.Lock()
	defer as.Unlock()
	s := ustr.MkUstr()
	i := 0
	for {
		str, err := as.Userdmap8r(uva + i)
		if err != 0 {
			return s, err
		}
		for j, c := range str {
			if c == 0 {
				return append(s, str[:j]...), 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) >= lenmax {
			return nil, defs.ENAMETOOLONG
		}
	}
}

/// K2user copies src into user memory at uva.
func (as *Vm_t) K2user(src []uint8, uva int) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt != len(src) {
		dst, err := as.userdmap8w(uva + cnt)
		if err != 0 {
			return err
		}
		n := copy(dst, src[cnt:])
		if n == 0 {
			return defs.EFAULT
		}
		cnt += n
	}
	return 0
}

/// User2k copies from user memory at uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva int) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt != len(dst) {
		src, err := as.Userdmap8r(uva + cnt)
		if err != 0 {
			return err
		}
		n := copy(dst[cnt:], src)
		if n == 0 {
			return defs.EFAULT
		}
		cnt += n
	}
	return 0
}

/// Uvmfree releases every user mapping and the root page-table page.
func (as *Vm_t) Uvmfree() {
	Page_map_destroy(as)
}
