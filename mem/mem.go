// Package mem implements the kernel's physical frame allocator: a bitmap of
// free/used frames backed by a simulated physical address space, plus a
// per-frame reference count that vm's page-table and leaf mappings hold.
package mem

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

/// PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_PS indicates a large page.
const PTE_PS Pa_t = 1 << 7

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

/// USERMIN is the lowest virtual address a process may map.
const USERMIN int = 1 << 39

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page table page.
type Pmap_t [512]Pa_t

/// Unpin_i allows unpinning of physical pages mapped from a backing file.
type Unpin_i interface {
	Unpin(Pa_t)
}

/// Page_i abstracts physical page allocation, letting callers (vm, circbuf)
/// depend on an interface rather than the concrete allocator.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Usage_t classifies a physical memory region as reported by the boot
/// loader; see BootInfo.Regions.
type Usage_t int

const (
	Free Usage_t = iota
	Reserved
	Reclaimable
	Kernel
	Bootloader
	Unknown
)

func (u Usage_t) String() string {
	switch u {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Reclaimable:
		return "reclaimable"
	case Kernel:
		return "kernel"
	case Bootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

/// Region_t is one physical memory region as handed off by the boot loader.
type Region_t struct {
	Base  Pa_t
	Len   uint64
	Usage Usage_t
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

/// Pg2pmap reinterprets a page of ints as a page-table page, for callers
/// outside this package that walk page tables (vm).
func Pg2pmap(pg *Pg_t) *Pmap_t {
	return pg2pmap(pg)
}

/// Physpg_t tracks per-frame bookkeeping parallel to the allocator bitmap.
type Physpg_t struct {
	Refcnt int32
	/// Cpumask bit n set means logical CPU n has this page (a pmap) loaded.
	Cpumask uint64
}

/// bitmap is a first-fit frame allocator over a contiguous frame range, with
/// a monotonic allocation hint so successive allocations scan forward
/// instead of restarting from frame zero every time.
type bitmap struct {
	words []uint64
	hint  uint32
	nfree uint32
}

func newBitmap(nframes uint32) *bitmap {
	return &bitmap{words: make([]uint64, (nframes+63)/64)}
}

func (b *bitmap) test(i uint32) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

func (b *bitmap) set(i uint32) {
	b.words[i/64] |= 1 << (i % 64)
}

func (b *bitmap) clear(i uint32) {
	b.words[i/64] &^= 1 << (i % 64)
}

/// alloc finds the first clear bit at or after hint, wrapping once, and
/// marks it used.
func (b *bitmap) alloc(nframes uint32) (uint32, bool) {
	for pass := 0; pass < 2; pass++ {
		for i := b.hint; i < nframes; i++ {
			if !b.test(i) {
				b.set(i)
				b.hint = i + 1
				b.nfree--
				return i, true
			}
		}
		b.hint = 0
	}
	return 0, false
}

func (b *bitmap) free(i uint32) {
	b.clear(i)
	b.nfree++
}

/// allocRun finds n consecutive clear bits at or after hint and marks them
/// all used; on failure it restarts the scan from bit zero and retries once
/// before reporting OOM, mirroring alloc's wrap-around policy for the
/// single-bit case.
func (b *bitmap) allocRun(n, nframes uint32) (uint32, bool) {
	if n == 0 {
		return 0, false
	}
	total := nframes
	for pass := 0; pass < 2; pass++ {
		i := b.hint
		for i+n <= total {
			run := true
			var j uint32
			for j = 0; j < n; j++ {
				if b.test(i + j) {
					run = false
					break
				}
			}
			if !run {
				i += j + 1
				continue
			}
			for j = 0; j < n; j++ {
				b.set(i + j)
			}
			b.hint = i + n
			b.nfree -= n
			return i, true
		}
		b.hint = 0
	}
	return 0, false
}

/// freeRun clears n consecutive bits starting at i.
func (b *bitmap) freeRun(i, n uint32) {
	for j := uint32(0); j < n; j++ {
		b.clear(i + j)
	}
	b.nfree += n
}

/// Physmem_t manages all physical memory for the system via a bitmap
/// allocator with a parallel refcount table for shared-page bookkeeping.
type Physmem_t struct {
	sync.Mutex
	bm   *bitmap
	Pgs  []Physpg_t
	base Pa_t
	/// backing is the simulated physical address space: real hardware would
	/// reach memory directly, we reach it through this slice so the
	/// allocator is testable as plain Go.
	backing  []byte
	Dmapinit bool
	/// dmapBase is the pointer update_phys_base/phys_base rebase, recorded
	/// for callers that address physical memory directly rather than
	/// through Dmap/Dmap8 (the direct-map base, once the real mapping
	/// replaces whatever scratch address the bitmap booted with).
	dmapBase unsafe.Pointer
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Zeropg is a global zero-filled page; Refpg_new copies it into every fresh
/// page it hands out.
var Zeropg *Pg_t

/// P_zeropg is the physical address backing Zeropg.
var P_zeropg Pa_t

func frameOf(base, p Pa_t) uint32 {
	return uint32((p - base) >> PGSHIFT)
}

/// Phys_init builds the allocator from the boot loader's memory map,
/// reserving every region not marked Free.
func Phys_init(regions []Region_t) *Physmem_t {
	phys := Physmem
	phys.dmapBase = nil
	var lo, hi Pa_t
	for i, r := range regions {
		end := r.Base + Pa_t(r.Len)
		if i == 0 || r.Base < lo {
			lo = r.Base
		}
		if end > hi {
			hi = end
		}
	}
	phys.base = lo & PGMASK
	nframes := uint32((hi - phys.base + Pa_t(PGSIZE) - 1) >> PGSHIFT)
	phys.bm = newBitmap(nframes)
	phys.bm.nfree = nframes
	phys.Pgs = make([]Physpg_t, nframes)
	phys.backing = make([]byte, uintptr(nframes)*uintptr(PGSIZE))

	for i := uint32(0); i < nframes; i++ {
		phys.bm.set(i)
		phys.bm.nfree--
	}
	for _, r := range regions {
		if r.Usage != Free {
			continue
		}
		start := frameOf(phys.base, r.Base&PGMASK)
		count := uint32((Pa_t(r.Len) + PGOFFSET) >> PGSHIFT)
		for i := uint32(0); i < count; i++ {
			idx := start + i
			if idx >= nframes {
				break
			}
			phys.bm.clear(idx)
			phys.bm.nfree++
		}
	}
	phys.Dmapinit = true

	var ok bool
	Zeropg, P_zeropg, ok = phys._refpg_new()
	if !ok {
		panic("oom reserving zero page")
	}
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	phys.Refup(P_zeropg)
	return phys
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	phys.Lock()
	idx, ok := phys.bm.alloc(uint32(len(phys.Pgs)))
	phys.Unlock()
	if !ok {
		notifyOom(1)
		return nil, 0, false
	}
	phys.Pgs[idx].Refcnt = 0
	p_pg := phys.base + Pa_t(idx)<<PGSHIFT
	return phys.Dmap(p_pg), p_pg, true
}

/// Refpg_new allocates a zeroed page. The returned page's refcount starts
/// at zero; callers that keep a reference must call Refup themselves.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("refpg_new before Phys_init")
	}
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = *Zeropg
	return pg, p_pg, true
}

/// Refpg_new_nozero allocates an uninitialised page.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	return phys._refpg_new()
}

/// Pmap_new allocates a new page-table page.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new()
	return pg2pmap(pg), p_pg, ok
}

func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := frameOf(phys.base, p_pg)
	return &phys.Pgs[idx].Refcnt, idx
}

/// Tlbaddr returns the CPU-load bitmask address for a page-map page.
func (phys *Physmem_t) Tlbaddr(p_pg Pa_t) *uint64 {
	idx := frameOf(phys.base, p_pg)
	return &phys.Pgs[idx].Cpumask
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

/// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	if atomic.AddInt32(ref, 1) <= 0 {
		panic("refup of freed page")
	}
}

/// Refdown decrements the reference count of a page, freeing it back to the
/// bitmap when it reaches zero, and reports whether it was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("refdown of unreferenced page")
	}
	if c != 0 {
		return false
	}
	phys.Lock()
	phys.bm.free(idx)
	phys.Unlock()
	return true
}

/// Dec_pmap decrements a page-table page's reference count, freeing it when
/// no address space (and no CPU's cr3) still holds it.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	phys.Refdown(p_pmap)
}

/// Dmap converts a physical address into the simulated direct-map pointer
/// through which kernel code reads/writes physical frames.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	off := uintptr(p-phys.base) &^ uintptr(PGOFFSET)
	return (*Pg_t)(unsafe.Pointer(&phys.backing[off]))
}

/// Dmap8 returns a byte slice mapped to the given physical address.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

/// Alloc reserves n consecutive physical frames, first-fit from the
/// allocator's hint, matching spec §4.A's component-A contract literally
/// ("every allocation returns a run of n consecutive clear bits, atomically
/// marked set"). Unlike Refpg_new, the returned frames are neither zeroed
/// nor refcounted — Alloc is the raw bitmap-only primitive the original
/// pm_arch_alloc is, with no notion of shared ownership; callers that need
/// zeroing or refcounting do it themselves.
func (phys *Physmem_t) Alloc(n int) (Pa_t, bool) {
	if n <= 0 {
		return 0, false
	}
	phys.Lock()
	idx, ok := phys.bm.allocRun(uint32(n), uint32(len(phys.Pgs)))
	phys.Unlock()
	if !ok {
		notifyOom(n)
		return 0, false
	}
	return phys.base + Pa_t(idx)<<PGSHIFT, true
}

/// Free releases n consecutive physical frames previously returned by a
/// single Alloc(n) call. Freeing frames that are not currently marked used
/// is a fatal invariant violation (double-free), not a silent no-op.
func (phys *Physmem_t) Free(addr Pa_t, n int) {
	if n <= 0 {
		return
	}
	idx := frameOf(phys.base, addr&PGMASK)
	phys.Lock()
	defer phys.Unlock()
	for j := uint32(0); j < uint32(n); j++ {
		if !phys.bm.test(idx + j) {
			panic("mem: double free of physical frame")
		}
	}
	phys.bm.freeRun(idx, uint32(n))
}

/// PhysBase returns the pointer currently used to address physical memory
/// directly, the analogue of the original pm_get_phys_base. Most of this
/// package reaches physical memory through Dmap/Dmap8 instead, which index
/// the backing slice directly regardless of this pointer.
func (phys *Physmem_t) PhysBase() unsafe.Pointer {
	return phys.dmapBase
}

/// UpdatePhysBase rebases the allocator onto a new direct-map pointer, the
/// analogue of pm_update_phys_base. On real hardware that call also
/// relocates the bitmap itself, which lives in physical memory addressed
/// through the old base; this rendition's bitmap is ordinary Go memory
/// never addressed through PhysBase, so only the recorded pointer changes.
func (phys *Physmem_t) UpdatePhysBase(ptr unsafe.Pointer) {
	phys.dmapBase = ptr
}

/// Pgcount reports free/used frame counts, for the boot banner and tests.
func (phys *Physmem_t) Pgcount() (free, total int) {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.bm.nfree), len(phys.Pgs)
}
