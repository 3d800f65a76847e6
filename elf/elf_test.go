package elf

import (
	"bytes"
	debugelf "debug/elf"
	"encoding/binary"
	"testing"

	"menixgo/defs"
	"menixgo/mem"
	"menixgo/vfs"
	"menixgo/vm"
)

func initPhysOnce(t *testing.T) {
	t.Helper()
	if !mem.Physmem.Dmapinit {
		mem.Phys_init([]mem.Region_t{{Base: 0, Len: 16 * 1024 * 1024, Usage: mem.Free}})
	}
}

func newAs(t *testing.T) *vm.Vm_t {
	t.Helper()
	pm, p_pm, ok := vm.Page_map_new()
	if !ok {
		t.Fatalf("Page_map_new failed")
	}
	return &vm.Vm_t{Pmap: pm, P_pmap: p_pm}
}

const ehdrSize = 64
const phdrSize = 56

// buildELF assembles a minimal, hand-written ELF64 object: one ELF header,
// one PT_LOAD program header covering payload at vaddr, and optionally a
// PT_INTERP entry naming interp. There is no section-header table; debug/elf
// only needs the program headers to populate File.Progs.
func buildELF(t *testing.T, machine debugelf.Machine, etype debugelf.Type, vaddr uint64, payload []byte, interp string) []byte {
	t.Helper()

	nphdr := 1
	if interp != "" {
		nphdr = 2
	}
	phoff := uint64(ehdrSize)
	dataOff := phoff + uint64(nphdr)*phdrSize
	interpOff := dataOff
	loadOff := dataOff
	if interp != "" {
		loadOff = interpOff + uint64(len(interp)+1)
	}

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /*ELFCLASS64*/, 1 /*ELFDATA2LSB*/, 1}
	buf.Write(ident[:])
	write16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	write32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	write64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	write16(uint16(etype))
	write16(uint16(machine))
	write32(1) // e_version
	write64(vaddr + 0x30) // e_entry: arbitrary offset inside the segment
	write64(phoff)
	write64(0) // e_shoff
	write32(0) // e_flags
	write16(ehdrSize)
	write16(phdrSize)
	write16(uint16(nphdr))
	write16(0) // e_shentsize
	write16(0) // e_shnum
	write16(0) // e_shstrndx

	if buf.Len() != ehdrSize {
		t.Fatalf("ELF header built to %d bytes, want %d", buf.Len(), ehdrSize)
	}

	if interp != "" {
		write32(uint32(debugelf.PT_INTERP))
		write32(uint32(debugelf.PF_R))
		write64(interpOff)
		write64(0) // p_vaddr (unused by readInterp)
		write64(0) // p_paddr
		write64(uint64(len(interp) + 1))
		write64(uint64(len(interp) + 1))
		write64(1) // p_align
	}

	write32(uint32(debugelf.PT_LOAD))
	write32(uint32(debugelf.PF_R | debugelf.PF_W))
	write64(loadOff)
	write64(vaddr)
	write64(vaddr)
	write64(uint64(len(payload)))
	write64(uint64(len(payload)) + uint64(vm.PGSIZE)) // memsz > filesz: exercise bss zeroing
	write64(uint64(vm.PGSIZE))

	if interp != "" {
		buf.WriteString(interp)
		buf.WriteByte(0)
	}
	buf.Write(payload)

	return buf.Bytes()
}

// byteHandle adapts an in-memory byte slice to vfs.Handle for LoadImage,
// which only ever calls Read.
type byteHandle struct {
	vfs.NopHandle
	data []byte
}

func (b *byteHandle) Read(dst vfs.Userio_i, offset int) (int, defs.Err_t) {
	if offset >= len(b.data) {
		return 0, defs.Success
	}
	n, err := dst.Uiowrite(b.data[offset:])
	return n, err
}

// TestLoadImageMapsPayloadAndZerosBss checks the PT_LOAD algorithm end to
// end: file bytes land at the mapped virtual address, and the memsz tail
// beyond filesz reads as zero (loadSegment zeroes the frames it allocates).
func TestLoadImageMapsPayloadAndZerosBss(t *testing.T) {
	initPhysOnce(t)
	as := newAs(t)

	const vaddr = 0x400000
	payload := []byte("hello kernel")
	raw := buildELF(t, Hostmachine, debugelf.ET_EXEC, vaddr, payload, "")

	img, err := LoadImage(as, &byteHandle{data: raw}, 0)
	if err != defs.Success {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if img.Entry != vaddr+0x30 {
		t.Fatalf("Entry = %#x, want %#x", img.Entry, vaddr+0x30)
	}

	phys, ok := as.Translate(vaddr)
	if !ok {
		t.Fatalf("Translate failed right after LoadImage")
	}
	got := mem.Physmem.Dmap8(phys &^ mem.PGOFFSET)[:len(payload)]
	if !bytes.Equal(got, payload) {
		t.Fatalf("mapped payload = %q, want %q", got, payload)
	}

	// The byte one page past the payload, inside memsz but past filesz,
	// must read zero rather than whatever was in the frame before.
	tailPhys, ok := as.Translate(vaddr + vm.PGSIZE)
	if !ok {
		t.Fatalf("Translate of the bss page failed")
	}
	tail := mem.Physmem.Dmap8(tailPhys &^ mem.PGOFFSET)
	if tail[0] != 0 {
		t.Fatalf("bss byte = %#x, want 0", tail[0])
	}
}

// TestLoadImageCapturesInterpreter checks PT_INTERP extraction.
func TestLoadImageCapturesInterpreter(t *testing.T) {
	initPhysOnce(t)
	as := newAs(t)

	raw := buildELF(t, Hostmachine, debugelf.ET_DYN, 0x10000, []byte("x"), "/lib/ld.so")
	img, err := LoadImage(as, &byteHandle{data: raw}, 0)
	if err != defs.Success {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if img.Interpreter != "/lib/ld.so" {
		t.Fatalf("Interpreter = %q, want /lib/ld.so", img.Interpreter)
	}
}

// TestLoadImageWrongMachineFailsWithoutMapping checks the "wrong machine"
// boundary case: the load fails and nothing is installed in as.
func TestLoadImageWrongMachineFailsWithoutMapping(t *testing.T) {
	initPhysOnce(t)
	as := newAs(t)

	wrong := debugelf.EM_ARM
	if wrong == Hostmachine {
		wrong = debugelf.EM_386
	}
	const vaddr = 0x500000
	raw := buildELF(t, wrong, debugelf.ET_EXEC, vaddr, []byte("irrelevant"), "")

	_, err := LoadImage(as, &byteHandle{data: raw}, 0)
	if err != defs.ENOEXEC {
		t.Fatalf("LoadImage on wrong-machine image = %v, want ENOEXEC", err)
	}
	if _, ok := as.Translate(vaddr); ok {
		t.Fatalf("wrong-machine load installed a mapping anyway")
	}
}
