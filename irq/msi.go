package irq

import "menixgo/msi"

/// Irq_allocate_msi allocates both a vector table slot and the underlying
/// MSI vector number a PCI device's message-signaled interrupt is
/// programmed with, so pcibus never has to know the vector table's own
/// numbering. The MSI vector doubles as the table index: msi only ever
/// hands out numbers already reserved above NEXCEPTIONS.
func (v *Vectable_t) Irq_allocate_msi(fn Handler_i) (int, bool) {
	vec := msi.Msi_alloc()
	idx := int(vec)

	v.mu.Lock()
	defer v.mu.Unlock()
	if idx < 0 || idx >= NVECTORS || v.slots[idx].set {
		msi.Msi_free(vec)
		return 0, false
	}
	v.slots[idx] = slot_t{fn: fn, set: true}
	return idx, true
}

/// Irq_free_msi releases an MSI vector previously handed out by
/// Irq_allocate_msi, clearing its vector-table slot too.
func (v *Vectable_t) Irq_free_msi(vector int) {
	v.mu.Lock()
	v.slots[vector] = slot_t{}
	v.mu.Unlock()
	msi.Msi_free(msi.Msivec_t(vector))
}
