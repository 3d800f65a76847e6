// Package boot models the external hand-off from the boot protocol (§6 of
// the spec this kernel implements) and the init-graph pattern the original
// C kernel used to order global subsystem initialization
// (kernel/boot/initgraph.c): named stages with explicit dependency edges,
// executed in topological order instead of a hand-maintained call sequence.
// Nothing here parses an actual Limine-style protocol — that stays an
// external collaborator, exactly as menix's own boot/boot.c is — this
// package only defines the struct the collaborator hands to KernelInit and
// the ordering primitive that consumes it.
package boot

import "menixgo/mem"

/// PhysMemory describes one physical memory region as reported by the boot
/// loader's memory map.
type PhysMemory struct {
	Address uint64
	Length  uint64
	Usage   mem.Usage_t
}

/// BootFile is one file the boot loader staged into memory alongside the
/// kernel image (an initrd member, a module, /init itself).
type BootFile struct {
	Address uint64
	Length  uint64
	Path    string
}

/// Cpu describes one logical core the boot loader discovered, before the
/// kernel has brought any secondary core online.
type Cpu struct {
	LapicOrHartId uint32
	IsBootCpu     bool
}

/// Info is the BootInfo handed from the boot protocol to KernelInit: command
/// line, physical memory map, load addresses, staged files, and optional
/// ACPI/device-tree discovery pointers. A zero Rsdp/Dtb means "not present"
/// (Limine omits the table on platforms that lack it).
type Info struct {
	CmdLine string

	Regions []PhysMemory

	KernelPhysBase uint64
	KernelVirtBase uint64
	HhdmOffset     uint64

	Files []BootFile

	Rsdp uint64
	Dtb  uint64

	Cpus    []Cpu
	BootCpu uint32
}

/// MemRegions converts the boot-reported memory map into mem.Region_t,
/// the shape Phys_init consumes. Non-Free regions are kept (not filtered)
/// so Phys_init can still size the bitmap over the full usable physical
/// range; only Free pages are ever handed out by Refpg_new.
func (bi *Info) MemRegions() []mem.Region_t {
	out := make([]mem.Region_t, len(bi.Regions))
	for i, r := range bi.Regions {
		out[i] = mem.Region_t{Base: mem.Pa_t(r.Address), Len: r.Length, Usage: r.Usage}
	}
	return out
}
