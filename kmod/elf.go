package kmod

import (
	"bytes"
	debugelf "debug/elf"
	"encoding/binary"
	"io"
	"sync"

	"menixgo/defs"
	"menixgo/elf"
	"menixgo/mem"
	"menixgo/util"
	"menixgo/vfs"
	"menixgo/vm"
)

/// ModuleBase is the first virtual address of the kernel's module region,
/// a dedicated zone of the kernel map that dynamic modules are packed into
/// one after another (VM_MODULE_BASE in the original). It lies above
/// mem.USERMIN, in the lower half of the address space, so Page_map_new
/// does not copy it into process page maps.
const ModuleBase = 1 << 40

var (
	moduleRegionMu sync.Mutex
	moduleRegion   = ModuleBase
)

// segMap records one mapped PT_LOAD's final virtual address range and its
// intended (post-relocation) protection, used to reprotect once relocation
// is done.
type segMap struct {
	vaddr, npages int
	writable      bool
}

// modHeader mirrors the fixed-size prefix of the `.mod` section's on-disk
// layout: {init_fn, exit_fn, name[64], author[64], description[168],
// num_deps}. The dependency name table (num_deps * 64 bytes) follows
// immediately after in the section.
type modHeader struct {
	InitOff     uint64
	ExitOff     uint64
	Name        [64]byte
	Author      [64]byte
	Description [168]byte
	NumDeps     uint64
}

const modHeaderSize = 8 + 8 + 64 + 64 + 168 + 8
const modDepEntrySize = 64

/// Executor transfers control to a loaded module's relocated init/exit
/// entry point. A real kernel would jump to the machine code at vaddr;
/// this rendition only simulates the ELF loading and relocation math (the
/// loaded bytes are never literally executed), so boot code or tests must
/// install an Executor that knows what Go behavior a given vaddr stands in
/// for. With no Executor installed, Init calls fail ENOSYS rather than
/// silently succeeding.
type Executor interface {
	CallInit(vaddr int) defs.Err_t
	CallExit(vaddr int)
}

/// Exec is the installed Executor, nil until boot (or a test) sets one.
var Exec Executor

func kernelVm() *vm.Vm_t { return &vm.Vm_t{Pmap: vm.Kernel_map} }

type elfReaderAt struct{ h vfs.Handle }

func (r elfReaderAt) ReadAt(p []byte, off int64) (int, error) {
	uio := vfs.NewSliceUio(p)
	n, err := r.h.Read(uio, int(off))
	if err != 0 {
		return n, io.ErrUnexpectedEOF
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

/// LoadELF performs the full relocatable-module load algorithm against an
/// already-opened file handle: validate the ELF header, map every PT_LOAD
/// RW into the kernel module region, apply .rela.dyn/.rela.plt relocations
/// against the kernel-wide symbol table, reprotect segments to their final
/// flags, locate the `.mod` section and decode it, and publish every
/// qualifying global symbol. Any failure unmaps whatever was mapped so far
/// and returns without installing a partial module, matching the "unmap
/// any pages mapped so far" failure contract.
func LoadELF(h vfs.Handle, path string) (*LoadedModule, defs.Err_t) {
	ra := elfReaderAt{h}
	f, ferr := debugelf.NewFile(ra)
	if ferr != nil {
		return nil, defs.ENOEXEC
	}
	defer f.Close()

	if f.Class != debugelf.ELFCLASS64 || f.Data != debugelf.ELFDATA2LSB {
		return nil, defs.ENOEXEC
	}
	if f.Machine != elf.Hostmachine {
		return nil, defs.ENOEXEC
	}
	if f.Type != debugelf.ET_DYN {
		return nil, defs.ENOEXEC
	}

	kvm := kernelVm()
	lm := &LoadedModule{FilePath: path}

	base, segs, err := mapModuleSegments(kvm, ra, f.Progs, lm)
	if err != defs.Success {
		freeMaps(lm.Maps)
		return nil, err
	}

	dynsyms, err := readDynamicSymbols(f)
	if err != defs.Success {
		freeMaps(lm.Maps)
		return nil, err
	}

	if sec := f.Section(".rela.dyn"); sec != nil {
		if err := applyRelocations(kvm, f, base, sec, dynsyms); err != defs.Success {
			freeMaps(lm.Maps)
			return nil, err
		}
	}
	if sec := f.Section(".rela.plt"); sec != nil {
		if err := applyRelocations(kvm, f, base, sec, dynsyms); err != defs.Success {
			freeMaps(lm.Maps)
			return nil, err
		}
	}

	for _, s := range segs {
		perms := mem.Pa_t(0)
		if s.writable {
			perms = vm.PTE_W
		}
		for i := 0; i < s.npages; i++ {
			kvm.Protect(s.vaddr+i*vm.PGSIZE, perms|vm.PTE_P)
		}
	}

	initArrayAddrs, iaerr := readInitArray(kvm, f, base)
	if iaerr != defs.Success {
		freeMaps(lm.Maps)
		return nil, iaerr
	}

	modSec := f.Section(".mod")
	if modSec == nil {
		log.Error().Str("path", path).Msg("module does not contain a .mod section")
		freeMaps(lm.Maps)
		return nil, defs.ENOEXEC
	}
	hdr, deps, derr := decodeModSection(kvm, base+int(modSec.Addr))
	if derr != defs.Success {
		freeMaps(lm.Maps)
		return nil, derr
	}

	publishSymbols(dynsyms, base)

	lm.Module = &Module{
		Name:        hdr.Name,
		Author:      hdr.Author,
		Description: hdr.Description,
		Deps:        deps,
		InitArray:   buildInitArrayFns(initArrayAddrs),
		Init:        execCallback(int(hdr.InitOff)),
		Exit:        execExitCallback(int(hdr.ExitOff)),
	}
	log.Info().Str("module", hdr.Name).Str("path", path).Int("base", base).Msg("relocated module")
	return lm, defs.Success
}

func execCallback(vaddr int) InitFn {
	return func() defs.Err_t {
		if Exec == nil {
			log.Warn().Int("entry", vaddr).Msg("no executor installed, module init is ENOSYS")
			return defs.ENOSYS
		}
		return Exec.CallInit(vaddr)
	}
}

func execExitCallback(vaddr int) ExitFn {
	return func() {
		if Exec != nil {
			Exec.CallExit(vaddr)
		}
	}
}

func buildInitArrayFns(addrs []int) []InitFn {
	if len(addrs) == 0 {
		return nil
	}
	fns := make([]InitFn, len(addrs))
	for i, a := range addrs {
		fns[i] = execCallback(a)
	}
	return fns
}

// readInitArray extracts DT_INIT_ARRAY entries via the .init_array section
// (consistent with this file's section-based-lookup convention for
// DT_RELA/DT_JMPREL — see DESIGN.md). A module with no .init_array section
// simply has no constructors to run.
func readInitArray(kvm *vm.Vm_t, f *debugelf.File, base int) ([]int, defs.Err_t) {
	sec := f.Section(".init_array")
	if sec == nil || sec.Size == 0 {
		return nil, defs.Success
	}
	return readInitArrayAt(kvm, base+int(sec.Addr), sec.Size)
}

// readInitArrayAt reads size/8 little-endian pointer-sized entries starting
// at vaddr, read back through the now-relocated kernel mapping rather than
// the raw file bytes, since each entry is itself an R_*_RELATIVE target
// patched in place during applyRelocations.
func readInitArrayAt(kvm *vm.Vm_t, vaddr int, size uint64) ([]int, defs.Err_t) {
	if size%8 != 0 {
		return nil, defs.ENOEXEC
	}
	n := int(size / 8)
	buf := make([]byte, size)
	if err := kvm.User2k(buf, vaddr); err != defs.Success {
		return nil, err
	}
	addrs := make([]int, n)
	for i := 0; i < n; i++ {
		addrs[i] = int(binary.LittleEndian.Uint64(buf[i*8 : i*8+8]))
	}
	return addrs, defs.Success
}

// mapModuleSegments maps every PT_LOAD entry RW into the shared kernel
// module region, reserving one contiguous run of fresh physical frames per
// segment, zeroing them, and copying p_filesz bytes from the file (the
// remainder stays zero). Each segment lands at the module's base plus its
// own p_vaddr, preserving the relative offsets relocations and the .mod
// section's recorded address depend on; the region cursor then moves past
// the module's highest mapped page, so the next module starts above it.
func mapModuleSegments(kvm *vm.Vm_t, ra io.ReaderAt, progs []*debugelf.Prog, lm *LoadedModule) (int, []segMap, defs.Err_t) {
	moduleRegionMu.Lock()
	defer moduleRegionMu.Unlock()

	base := moduleRegion
	var segs []segMap

	for _, p := range progs {
		if p.Type != debugelf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		alignedVaddr := util.Rounddown(int(p.Vaddr), vm.PGSIZE)
		slack := int(p.Vaddr) - alignedVaddr
		memsz := int(p.Memsz) + slack
		npages := util.Roundup(memsz, vm.PGSIZE) / vm.PGSIZE
		if npages <= 0 {
			continue
		}

		segVA := base + alignedVaddr
		phys0, ok := mem.Physmem.Alloc(npages)
		if !ok {
			return base, segs, defs.ENOMEM
		}
		for i := 0; i < npages; i++ {
			bpg := mem.Physmem.Dmap8(phys0 + mem.Pa_t(i*vm.PGSIZE))[:vm.PGSIZE]
			for j := range bpg {
				bpg[j] = 0
			}
		}
		for i := 0; i < npages; i++ {
			va := segVA + i*vm.PGSIZE
			p_pg := phys0 + mem.Pa_t(i*vm.PGSIZE)
			if !kvm.Map(va, p_pg, vm.PTE_W|vm.PTE_P) {
				mem.Physmem.Free(phys0, npages)
				return base, segs, defs.ENOMEM
			}
			mem.Physmem.Refup(p_pg)
		}
		if end := segVA + npages*vm.PGSIZE; end > moduleRegion {
			moduleRegion = end
		}
		lm.Maps = append(lm.Maps, Maps_t{Addr: segVA, Size: npages * vm.PGSIZE})
		segs = append(segs, segMap{vaddr: segVA, npages: npages, writable: p.Flags&debugelf.PF_W != 0})

		if p.Filesz > 0 {
			buf := make([]byte, p.Filesz)
			if _, rerr := ra.ReadAt(buf, int64(p.Off)); rerr != nil && rerr != io.EOF {
				return base, segs, defs.EIO
			}
			if werr := kvm.K2user(buf, segVA+slack); werr != defs.Success {
				return base, segs, werr
			}
		}
	}
	return base, segs, defs.Success
}

func readDynamicSymbols(f *debugelf.File) ([]debugelf.Symbol, defs.Err_t) {
	syms, err := f.DynamicSymbols()
	if err != nil {
		// A module with no dynamic symbol table at all has nothing to
		// relocate against; that is fine as long as it has no relocations.
		return nil, defs.Success
	}
	return syms, defs.Success
}

const relaEntSize = 24 // Elf64_Rela: r_offset, r_info, r_addend, 8 bytes each.

// applyRelocations walks one .rela section (.rela.dyn or .rela.plt),
// patching each target location in the already-mapped (RW) module memory.
// Absolute/GOT/PLT-slot relocations resolve locally defined symbols against
// base + st_value, and external (SHN_UNDEF) symbols against the kernel-wide
// symbol table; RELATIVE relocations just add the load base. Any unhandled
// relocation type, or an external symbol this kernel has never exported,
// aborts the load per the "fail the load if unresolved" contract.
func applyRelocations(kvm *vm.Vm_t, f *debugelf.File, base int, sec *debugelf.Section, dynsyms []debugelf.Symbol) defs.Err_t {
	data, err := sec.Data()
	if err != nil {
		return defs.EIO
	}
	for off := 0; off+relaEntSize <= len(data); off += relaEntSize {
		r := bytes.NewReader(data[off : off+relaEntSize])
		var rOffset, rInfo uint64
		var rAddend int64
		binary.Read(r, binary.LittleEndian, &rOffset)
		binary.Read(r, binary.LittleEndian, &rInfo)
		binary.Read(r, binary.LittleEndian, &rAddend)

		symIdx := rInfo >> 32
		target := base + int(rOffset)

		rtype := rInfo & 0xffffffff
		switch {
		case f.Machine == debugelf.EM_X86_64 && debugelf.R_X86_64(rtype) == debugelf.R_X86_64_RELATIVE:
			if werr := kvm.Userwriten(target, 8, base+int(rAddend)); werr != defs.Success {
				return werr
			}
		case f.Machine == debugelf.EM_RISCV && debugelf.R_RISCV(rtype) == debugelf.R_RISCV_RELATIVE:
			if werr := kvm.Userwriten(target, 8, base+int(rAddend)); werr != defs.Success {
				return werr
			}
		case isAbsKind(f.Machine, rtype):
			resolved, rerr := resolveSymbol(symIdx, dynsyms, base)
			if rerr != defs.Success {
				return rerr
			}
			if werr := kvm.Userwriten(target, 8, resolved+int(rAddend)); werr != defs.Success {
				return werr
			}
		default:
			log.Error().Uint64("type", rInfo&0xffffffff).Msg("unhandled relocation type")
			return defs.ENOEXEC
		}
	}
	return defs.Success
}

func isAbsKind(machine debugelf.Machine, rtype uint64) bool {
	switch machine {
	case debugelf.EM_X86_64:
		switch debugelf.R_X86_64(rtype) {
		case debugelf.R_X86_64_64, debugelf.R_X86_64_GLOB_DAT, debugelf.R_X86_64_JMP_SLOT:
			return true
		}
	case debugelf.EM_RISCV:
		switch debugelf.R_RISCV(rtype) {
		case debugelf.R_RISCV_64, debugelf.R_RISCV_JUMP_SLOT:
			return true
		}
	}
	return false
}

func resolveSymbol(symIdx uint64, dynsyms []debugelf.Symbol, base int) (int, defs.Err_t) {
	if symIdx == 0 || int(symIdx-1) >= len(dynsyms) {
		return 0, defs.ENOEXEC
	}
	sym := dynsyms[symIdx-1]
	if sym.Section == debugelf.SHN_UNDEF {
		addr, ok := LookupSymbol(sym.Name)
		if !ok {
			log.Error().Str("symbol", sym.Name).Msg("failed to resolve external symbol")
			return 0, defs.ENOENT
		}
		return addr, defs.Success
	}
	return base + int(sym.Value), defs.Success
}

// publishSymbols registers every global, sized dynamic symbol at its final
// (relocated) address, matching module_register_symbol's "size != 0,
// binding = GLOBAL" filter.
func publishSymbols(dynsyms []debugelf.Symbol, base int) {
	for _, s := range dynsyms {
		if s.Size == 0 || debugelf.ST_BIND(s.Info) != debugelf.STB_GLOBAL {
			continue
		}
		if s.Section == debugelf.SHN_UNDEF {
			continue
		}
		RegisterSymbol(s.Name, base+int(s.Value), int(s.Size))
	}
}

// modInfo is the decoded, string-ified form of a `.mod` section: the fixed
// name/author/description/init/exit fields, with NumDeps and the
// dependency table consumed separately into a plain []string.
type modInfo struct {
	Name, Author, Description string
	InitOff, ExitOff          uint64
}

// decodeModSection reads the `.mod` descriptor through the already-mapped
// (and by now relocated) kernel memory at vaddr, since InitOff/ExitOff are
// themselves relocation targets patched in place by a RELATIVE entry
// against the section's own bytes; reading the file's raw section data
// would see the pre-relocation placeholder instead.
func decodeModSection(kvm *vm.Vm_t, vaddr int) (modInfo, []string, defs.Err_t) {
	var out modInfo

	buf := make([]byte, modHeaderSize)
	if err := kvm.User2k(buf, vaddr); err != defs.Success {
		return out, nil, err
	}
	var hdr modHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return out, nil, defs.ENOEXEC
	}

	out.InitOff = hdr.InitOff
	out.ExitOff = hdr.ExitOff
	out.Name = cstr(hdr.Name[:])
	out.Author = cstr(hdr.Author[:])
	out.Description = cstr(hdr.Description[:])

	if hdr.NumDeps > 1<<16 {
		return out, nil, defs.ENOEXEC
	}
	deps := make([]string, 0, hdr.NumDeps)
	if hdr.NumDeps > 0 {
		depsBuf := make([]byte, int(hdr.NumDeps)*modDepEntrySize)
		if err := kvm.User2k(depsBuf, vaddr+modHeaderSize); err != defs.Success {
			return out, nil, err
		}
		for i := 0; i < int(hdr.NumDeps); i++ {
			deps = append(deps, cstr(depsBuf[i*modDepEntrySize:(i+1)*modDepEntrySize]))
		}
	}
	return out, deps, defs.Success
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// freeMaps releases every physical frame backing a module's recorded
// mappings, unmapping the kernel module region they occupied. This is what
// makes module unload (and load-failure cleanup) return memory to the
// physical allocator in full.
func freeMaps(maps []Maps_t) {
	kvm := kernelVm()
	for _, m := range maps {
		for va := m.Addr; va < m.Addr+m.Size; va += vm.PGSIZE {
			kvm.Unmap(va)
		}
	}
}
