// Package irq implements the kernel's single ISR entry point: a per-CPU
// vector table of (handler, context) pairs, exception policy (kill the
// user process that faulted, or panic if the kernel itself faulted), and
// registration primitives for driver-owned IRQ handlers.
package irq

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/arch/x86/x86asm"

	"menixgo/caller"
	"menixgo/proc"
	"menixgo/sched"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Str("subsys", "irq").Logger()

/// NVECTORS is the number of ISR vectors the trap stubs cover; the first 32
/// are the CPU-defined exceptions, the rest are available for IRQs.
const NVECTORS = 256

const NEXCEPTIONS = 32

// Page-fault error-code bits (x86_64).
const (
	PF_PRESENT  = 1 << 0
	PF_WRITE    = 1 << 1
	PF_USER     = 1 << 2
	PF_RESERVED = 1 << 3
	PF_INSTR    = 1 << 4
)

// Well-known exception vectors.
const (
	VEC_DEBUG      = 1
	VEC_BREAKPOINT = 3
	VEC_UD         = 6
	VEC_PF         = 14
)

/// Context_t is the trap frame the low-level stub would have built: saved
/// general registers, instruction/stack pointers, flags, and the
/// vector/error-code the CPU pushed. Regs shares proc.Ctx_t's layout and
/// REG_* indices (16 entries, SysV order) so a trap frame can be copied
/// straight into a thread's saved context without any reindexing. Code
/// holds the bytes at Rip when the caller has them available, for
/// disassembly in fault dumps.
type Context_t struct {
	Regs      [16]uintptr
	Rip       uintptr
	Rsp       uintptr
	Rflags    uintptr
	ErrorCode uintptr
	Vector    int
	UserMode  bool
	Code      []byte
}

/// FromThreadCtx builds a Context_t from a thread's saved register file, for
/// handlers that need to inspect or resume it as if it had just trapped.
func FromThreadCtx(c *proc.Ctx_t) Context_t {
	return Context_t{Regs: c.Regs, Rip: c.Rip, Rsp: c.Rsp, Rflags: c.Rflags}
}

/// ToThreadCtx writes a trap frame's registers back into a thread's saved
/// context, preserving fields Context_t does not carry (segment bases, FPU
/// state).
func (ctx *Context_t) ToThreadCtx(c *proc.Ctx_t) {
	c.Regs = ctx.Regs
	c.Rip = ctx.Rip
	c.Rsp = ctx.Rsp
	c.Rflags = ctx.Rflags
}

/// Handler_i is a registered interrupt handler. Its return value may
/// replace the trap frame entirely — the scheduler's timer handler uses
/// this to switch to an incoming thread's context.
type Handler_i func(ctx *Context_t) *Context_t

type slot_t struct {
	fn  Handler_i
	set bool
}

/// Vectable_t is one CPU's IRQ vector table.
type Vectable_t struct {
	mu    sync.Mutex
	slots [NVECTORS]slot_t
}

/// NewVectable allocates an empty per-CPU vector table.
func NewVectable() *Vectable_t {
	return &Vectable_t{}
}

/// Isr_register_handler installs fn at vector, failing if the slot is
/// already taken.
func (v *Vectable_t) Isr_register_handler(vector int, fn Handler_i) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vector < 0 || vector >= NVECTORS || v.slots[vector].set {
		return false
	}
	v.slots[vector] = slot_t{fn: fn, set: true}
	return true
}

/// Irq_allocate_handler picks the first free vector above the fixed
/// exception range and installs fn there.
func (v *Vectable_t) Irq_allocate_handler(fn Handler_i) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := NEXCEPTIONS; i < NVECTORS; i++ {
		if !v.slots[i].set {
			v.slots[i] = slot_t{fn: fn, set: true}
			return i, true
		}
	}
	return 0, false
}

/// Dispatch is the single ISR entry: a registered handler runs if present;
/// otherwise a user-mode fault kills the offending thread's process, and a
/// kernel-mode fault panics.
func (v *Vectable_t) Dispatch(th *proc.Thread_t, ctx *Context_t) *Context_t {
	v.mu.Lock()
	s := v.slots[ctx.Vector]
	v.mu.Unlock()

	if s.set {
		return s.fn(ctx)
	}
	if ctx.UserMode {
		killFaultingProcess(th, ctx)
		return nil
	}
	panicDump(ctx)
	return nil
}

func killFaultingProcess(th *proc.Thread_t, ctx *Context_t) {
	log.Warn().
		Int("vector", ctx.Vector).
		Uint64("rip", uint64(ctx.Rip)).
		Msg("unhandled user-mode exception, killing process")
	if th == nil || th.Proc == nil {
		return
	}
	proc.Kill(th.Proc, -1, th.Tid)
}

/// panicDump logs the trap frame — decoding the faulting instruction's
/// length when its bytes are available — then panics, standing in for
/// "disable locks, dump registers and stack trace, halt".
func panicDump(ctx *Context_t) {
	instrLen := 0
	if len(ctx.Code) > 0 {
		if inst, err := x86asm.Decode(ctx.Code, 64); err == nil {
			instrLen = inst.Len
		}
	}
	ev := log.Error().
		Int("vector", ctx.Vector).
		Uint64("rip", uint64(ctx.Rip)).
		Uint64("rsp", uint64(ctx.Rsp)).
		Uint64("errcode", uint64(ctx.ErrorCode))
	if instrLen > 0 {
		ev = ev.Int("faulting_instr_len", instrLen)
	}
	ev.Msg("unhandled kernel exception")
	caller.Callerdump(2)
	panic(fmt.Sprintf("kernel panic: unhandled vector %d at rip=%#x", ctx.Vector, ctx.Rip))
}

/// PageFaultHandler distinguishes protection violation, write, user/kernel
/// and instruction-fetch faults only for the log line: every case
/// terminates, since demand paging/copy-on-write is out of scope and a
/// kernel-mode fault is always fatal.
func PageFaultHandler(th *proc.Thread_t, ctx *Context_t) *Context_t {
	user := ctx.ErrorCode&PF_USER != 0
	log.Warn().
		Bool("user", user).
		Bool("write", ctx.ErrorCode&PF_WRITE != 0).
		Bool("present", ctx.ErrorCode&PF_PRESENT != 0).
		Bool("instruction_fetch", ctx.ErrorCode&PF_INSTR != 0).
		Uint64("rip", uint64(ctx.Rip)).
		Msg("page fault")
	if !user {
		panicDump(ctx)
		return nil
	}
	killFaultingProcess(th, ctx)
	return nil
}

/// DebugHandler implements the "print registers only" policy for the
/// debug/breakpoint vector and resumes the interrupted context unchanged.
func DebugHandler(ctx *Context_t) *Context_t {
	log.Info().
		Uint64("rip", uint64(ctx.Rip)).
		Uint64("rsp", uint64(ctx.Rsp)).
		Uint64("rflags", uint64(ctx.Rflags)).
		Msg("breakpoint")
	return ctx
}

/// InvalidOpcodeHandler is fatal in kernel mode and terminates the
/// offending process in user mode.
func InvalidOpcodeHandler(th *proc.Thread_t, ctx *Context_t) *Context_t {
	if !ctx.UserMode {
		panicDump(ctx)
		return nil
	}
	killFaultingProcess(th, ctx)
	return nil
}

/// TimerHandler drives the scheduler's context switch on every periodic
/// timer interrupt: it wakes expired sleepers and lets sched pick the next
/// thread to run on cpu.
func TimerHandler(cpu *sched.Cpu_t) Handler_i {
	return func(ctx *Context_t) *Context_t {
		sched.WakeExpired()
		sched.Sch_invoke(cpu)
		return ctx
	}
}
