package mem

/// Zerobpg is the byte-slice view of the shared zero page.
var Zerobpg *Bytepg_t

func init() {
	// Zeropg/P_zeropg are not valid until Phys_init runs; Zerobpg is derived
	// lazily by Dmap_init once the allocator is up.
}

/// Dmap_init derives the byte-slice view of the zero page after Phys_init
/// has reserved it. Real hardware additionally installs the direct map into
/// the kernel's page tables at this point; this rendition has no hardware
/// MMU to program, so there is nothing further to do here.
func Dmap_init() {
	Zerobpg = Pg2bytes(Zeropg)
}
