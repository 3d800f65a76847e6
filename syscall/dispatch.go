package syscall

import (
	"menixgo/defs"
	"menixgo/irq"
	"menixgo/proc"
)

// Register indices a syscall's six arguments are extracted from, in
// SysV-kernel order: rdi, rsi, rdx, r10, r8, r9 — r10 stands in for rcx
// because the syscall instruction itself clobbers rcx with the return
// address.
const (
	argReg1 = proc.REG_RDI
	argReg2 = proc.REG_RSI
	argReg3 = proc.REG_RDX
	argReg4 = proc.REG_R10
	argReg5 = proc.REG_R8
	argReg6 = proc.REG_R9
)

/// Dispatch extracts the syscall number from rax and its six arguments from
/// the trap frame's rdi/rsi/rdx/r10/r8/r9, and runs the matching handler.
/// A number outside the table, or a table slot with no handler installed,
/// returns ENOSYS without touching the thread's address space.
func Dispatch(th *proc.Thread_t, ctx *irq.Context_t) Result_t {
	num := int(ctx.Regs[proc.REG_RAX])
	if num < 0 || num >= NSYSCALLS || table[num].fn == nil {
		log.Debug().Int("num", num).Msg("unknown syscall number")
		return Result_t{-1, defs.ENOSYS}
	}
	a1 := int(ctx.Regs[argReg1])
	a2 := int(ctx.Regs[argReg2])
	a3 := int(ctx.Regs[argReg3])
	a4 := int(ctx.Regs[argReg4])
	a5 := int(ctx.Regs[argReg5])
	a6 := int(ctx.Regs[argReg6])
	return table[num].fn(th, a1, a2, a3, a4, a5, a6)
}
