// Package elf loads ET_EXEC/ET_DYN program images into a page map. It wraps
// the standard library's debug/elf parser with the map/copy/zero algorithm
// the kernel needs: each PT_LOAD becomes freshly allocated, page-aligned
// physical frames mapped User-accessible in the target address space.
package elf

import (
	"bytes"
	debugelf "debug/elf"
	"io"

	"menixgo/defs"
	"menixgo/mem"
	"menixgo/util"
	"menixgo/vfs"
	"menixgo/vm"
)

/// Phdr64Size is the on-disk size of an ELF64 program header entry, used to
/// report Phentsize since debug/elf does not expose it directly.
const Phdr64Size = 56

/// Hostmachine is the e_machine value this kernel accepts; loads for any
/// other machine fail with ENOEXEC per the "wrong machine" boundary case.
var Hostmachine = debugelf.EM_X86_64

/// Image_t is the information the loader hands back to proc.execve: where to
/// set the instruction pointer, where the program header table landed, and
/// the interpreter path if one was requested.
type Image_t struct {
	Entry       int
	PhdrVaddr   int
	Phentsize   int
	Phnum       int
	Interpreter string
}

/// handleReaderAt adapts a vfs.Handle to io.ReaderAt so debug/elf can parse
/// it without the kernel ever holding the whole file in one slice.
type handleReaderAt struct {
	h vfs.Handle
}

func (r handleReaderAt) ReadAt(p []byte, off int64) (int, error) {
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

/// LoadImage parses h as an ELF object and populates as with its PT_LOAD
/// segments at the given base (0 for ET_EXEC, the chosen load address for
/// ET_DYN). Any failure aborts without touching more of as than the segments
/// already mapped; the caller is responsible for destroying as on failure.
func LoadImage(as *vm.Vm_t, h vfs.Handle, base int) (Image_t, defs.Err_t) {
	ra := handleReaderAt{h}
	f, ferr := debugelf.NewFile(ra)
	if ferr != nil {
		return Image_t{}, defs.ENOEXEC
	}
	defer f.Close()

	if f.Class != debugelf.ELFCLASS64 || f.Data != debugelf.ELFDATA2LSB {
		return Image_t{}, defs.ENOEXEC
	}
	if f.Machine != Hostmachine {
		return Image_t{}, defs.ENOEXEC
	}
	if f.Type != debugelf.ET_DYN && f.Type != debugelf.ET_EXEC {
		return Image_t{}, defs.ENOEXEC
	}

	img := Image_t{
		Entry:     int(f.Entry) + base,
		Phentsize: Phdr64Size,
		Phnum:     len(f.Progs),
	}
	for _, p := range f.Progs {
		switch p.Type {
		case debugelf.PT_LOAD:
			if err := loadSegment(as, ra, p, base); err != defs.Success {
				return Image_t{}, err
			}
		case debugelf.PT_INTERP:
			path, err := readInterp(ra, p)
			if err != defs.Success {
				return Image_t{}, err
			}
			img.Interpreter = path
		case debugelf.PT_PHDR:
			img.PhdrVaddr = int(p.Vaddr) + base
		}
	}
	return img, defs.Success
}

/// loadSegment allocates one contiguous run of physical frames for a
/// PT_LOAD entry (mem.Physmem.Alloc), zeroes them, maps them into the
/// target address space, then copies p_filesz bytes from the file through a
/// temporary foreign mapping of those frames (vm.Map_foreign/Unmap_foreign —
/// the kernel never writes a user page through its own address space
/// directly). The remainder up to p_memsz stays zero.
func loadSegment(as *vm.Vm_t, ra io.ReaderAt, p *debugelf.Prog, base int) defs.Err_t {
	if p.Memsz == 0 {
		return defs.Success
	}
	prot := mem.Pa_t(vm.PTE_U)
	if p.Flags&debugelf.PF_W != 0 {
		prot |= vm.PTE_W
	}

	vaddr := base + int(p.Vaddr)
	start := util.Rounddown(vaddr, vm.PGSIZE)
	slack := vaddr - start
	end := util.Roundup(vaddr+int(p.Memsz), vm.PGSIZE)
	npages := (end - start) / vm.PGSIZE
	if npages <= 0 {
		return defs.Success
	}

	phys0, ok := mem.Physmem.Alloc(npages)
	if !ok {
		return defs.ENOMEM
	}
	for i := 0; i < npages; i++ {
		bpg := mem.Physmem.Dmap8(phys0 + mem.Pa_t(i*vm.PGSIZE))[:vm.PGSIZE]
		for j := range bpg {
			bpg[j] = 0
		}
	}

	for i := 0; i < npages; i++ {
		va := start + i*vm.PGSIZE
		p_pg := phys0 + mem.Pa_t(i*vm.PGSIZE)
		if !as.Map(va, p_pg, prot|vm.PTE_P) {
			mem.Physmem.Free(phys0, npages)
			return defs.ENOMEM
		}
		mem.Physmem.Refup(p_pg)
	}

	if p.Filesz > 0 {
		alias, ok := vm.Map_foreign(as, start, npages)
		if !ok {
			return defs.EFAULT
		}
		buf := make([]byte, p.Filesz)
		if _, rerr := ra.ReadAt(buf, int64(p.Off)); rerr != nil && rerr != io.EOF {
			vm.Unmap_foreign(alias)
			return defs.EIO
		}
		written := 0
		for i := 0; i < npages && written < len(buf); i++ {
			off := 0
			if i == 0 {
				off = slack
			}
			n := copy(alias[i][off:], buf[written:])
			written += n
		}
		vm.Unmap_foreign(alias)
	}
	return defs.Success
}

/// readInterp extracts the NUL-terminated interpreter path from a PT_INTERP
/// segment.
func readInterp(ra io.ReaderAt, p *debugelf.Prog) (string, defs.Err_t) {
	if p.Filesz == 0 {
		return "", defs.Success
	}
	buf := make([]byte, p.Filesz)
	if _, err := ra.ReadAt(buf, int64(p.Off)); err != nil && err != io.EOF {
		return "", defs.EIO
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), defs.Success
}
