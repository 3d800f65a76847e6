package syscall

import (
	"testing"

	"menixgo/defs"
	"menixgo/irq"
	"menixgo/proc"
)

func TestUnknownSyscallNumberIsEnosys(t *testing.T) {
	got := table[0] // SYS_EXIT is always registered
	if got.fn == nil {
		t.Fatalf("SYS_EXIT missing a handler")
	}
	ctx := &irq.Context_t{}
	ctx.Regs[proc.REG_RAX] = uintptr(NSYSCALLS)
	res := Dispatch(&proc.Thread_t{}, ctx)
	if res.Err != defs.ENOSYS || res.Value != -1 {
		t.Fatalf("Dispatch(%d) = %+v, want {-1, ENOSYS}", NSYSCALLS, res)
	}
}

func TestNotImplementedReturnsEnosys(t *testing.T) {
	fn := notImplemented("bogus")
	res := fn(&proc.Thread_t{}, 0, 0, 0, 0, 0, 0)
	if res.Err != defs.ENOSYS {
		t.Fatalf("err = %v, want ENOSYS", res.Err)
	}
	if res.Value != -1 {
		t.Fatalf("value = %d, want -1", res.Value)
	}
}

func TestMmapRejectsZeroLength(t *testing.T) {
	th := &proc.Thread_t{Proc: &proc.Process_t{}}
	res := sys_mmap(th, 0, 0, PROT_READ, 0, 0, 0)
	if res.Err != defs.EINVAL {
		t.Fatalf("err = %v, want EINVAL", res.Err)
	}
}

func TestEveryTableSlotHasAName(t *testing.T) {
	for i, e := range table {
		if e.fn == nil {
			continue
		}
		if e.name == "" {
			t.Fatalf("syscall %d registered with empty name", i)
		}
	}
}
