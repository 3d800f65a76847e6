package syscall

import (
	"menixgo/defs"
	"menixgo/mem"
	"menixgo/proc"
	"menixgo/util"
	"menixgo/vm"
)

// mmap prot/flags bits, matching the subset of POSIX mmap this kernel
// supports: anonymous, fixed-or-hinted, read/write only (no PROT_EXEC
// tracking — no mapping is ever marked non-executable, whatever its prot
// bits).
const (
	PROT_READ  = 0x1
	PROT_WRITE = 0x2

	MAP_SHARED    = 0x1
	MAP_PRIVATE   = 0x2
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

func sys_mmap(th *proc.Thread_t, addrHint, length, prot, flags, a5, a6 int) Result_t {
	if length == 0 {
		return Result_t{-1, defs.EINVAL}
	}
	as := th.Proc.Vm

	perms := mem.Pa_t(vm.PTE_U)
	if prot&PROT_WRITE != 0 {
		perms |= vm.PTE_W
	}

	length = util.Roundup(length, vm.PGSIZE)
	start := addrHint
	if flags&MAP_FIXED == 0 || start == 0 {
		start = as.Unusedva(th.Proc.MapBase, length)
	}

	if err := as.Vmadd_anon(start, length, perms); err != defs.Success {
		return Result_t{-1, err}
	}
	return Result_t{start, defs.Success}
}

func sys_mprotect(th *proc.Thread_t, addr, length, prot, a4, a5, a6 int) Result_t {
	as := th.Proc.Vm
	perms := mem.Pa_t(vm.PTE_U | vm.PTE_P)
	if prot&PROT_WRITE != 0 {
		perms |= vm.PTE_W
	}
	length = util.Roundup(length, vm.PGSIZE)
	for off := 0; off < length; off += vm.PGSIZE {
		if !as.Protect(addr+off, perms) {
			return Result_t{-1, defs.EINVAL}
		}
	}
	return Result_t{0, defs.Success}
}

func sys_munmap(th *proc.Thread_t, addr, length, a3, a4, a5, a6 int) Result_t {
	as := th.Proc.Vm
	length = util.Roundup(length, vm.PGSIZE)
	for off := 0; off < length; off += vm.PGSIZE {
		as.Unmap(addr + off)
	}
	return Result_t{0, defs.Success}
}
