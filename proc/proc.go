// Package proc implements the process and thread model: a process owns a
// page map, a file-descriptor table, a working directory and a list of
// threads; operations here create, fork, execve and kill them. Threads are
// the unit the scheduler (package sched) actually runs; proc never imports
// sched, it instead calls optional hooks sched registers during boot so the
// two packages stay decoupled the way a kernel core and its scheduler module
// would.
package proc

import (
	"sync"

	"menixgo/accnt"
	"menixgo/defs"
	"menixgo/fd"
	"menixgo/limits"
	"menixgo/tinfo"
	"menixgo/vm"
)

/// OPEN_MAX bounds the size of a process's file-descriptor table.
const OPEN_MAX = 256

/// Pstate_t is a process's lifecycle state.
type Pstate_t int

const (
	PRUNNING Pstate_t = iota
	PDEAD
)

/// Tstate_t is a thread's scheduling state, mirroring the four lists a
/// thread may belong to: exactly one of Ready/Sleeping/Waiting when not
/// Running.
type Tstate_t int

const (
	TRUNNING Tstate_t = iota
	TREADY
	TSLEEPING
	TWAITING
	TDEAD
)

/// Ctx_t is a thread's saved CPU context: general registers, instruction and
/// stack pointers, flags, segment bases and FPU state, matching the per-CPU
/// "FPU save/restore trampoline, fs_base/gs_base" fields the architecture
/// layer exposes to the scheduler.
type Ctx_t struct {
	Regs    [16]uintptr
	Rip     uintptr
	Rsp     uintptr
	Rflags  uintptr
	FsBase  uintptr
	GsBase  uintptr
	FpuSave [512]byte
}

// Register indices into Ctx_t.Regs, SysV order.
const (
	REG_RAX = iota
	REG_RBX
	REG_RCX
	REG_RDX
	REG_RSI
	REG_RDI
	REG_RBP
	REG_R8
	REG_R9
	REG_R10
	REG_R11
	REG_R12
	REG_R13
	REG_R14
	REG_R15
)

/// Thread_t is one schedulable unit of execution within a Process_t.
type Thread_t struct {
	Tid   defs.Tid_t
	Proc  *Process_t
	Ctx   Ctx_t
	Kstack []byte
	Errno defs.Err_t

	sync.Mutex
	State Tstate_t
	Tnote *tinfo.Tnote_t

	/// Wakeat is the monotonic deadline (UnixNano) at which a Sleeping
	/// thread should be moved back to Ready; meaningless otherwise.
	Wakeat int64
}

/// KstackSize is the size of a thread's kernel stack; real hardware would
/// kmalloc this, here it is a plain Go slice never executed, only sized.
const KstackSize = 32 * 1024

/// Process_t owns one address space, one fd table and any number of
/// threads.
type Process_t struct {
	Pid  defs.Pid_t
	Name string

	sync.Mutex
	Cwd *fd.Cwd_t
	Vm  *vm.Vm_t

	FdLock sync.Mutex
	Fds    [OPEN_MAX]*fd.Fd_t

	Perms uint

	Parent   *Process_t
	Children []*Process_t
	Threads  []*Thread_t

	MapBase  int
	StackTop int

	Rc    int
	State Pstate_t

	Accnt accnt.Accnt_t
}

var (
	procLock sync.Mutex
	procs    = map[defs.Pid_t]*Process_t{}
	nextPid  defs.Pid_t = 0
	nextTid  defs.Tid_t = 1

	/// Kernel_proc is pid 0, the host for internal kernel threads.
	Kernel_proc *Process_t
	/// Init_proc is pid 1; dying processes reparent their children here.
	Init_proc *Process_t

	deadLock  sync.Mutex
	deadProcs []*Process_t
)

// reaperHook and clearCurrentHook let the scheduler participate in kill
// without proc importing sched; sched registers them during its Init.
var reaperHook func([]*Thread_t)
var clearCurrentHook func(defs.Tid_t)

/// SetReaperHook installs the callback invoked with a process's threads
/// when it is killed, so the scheduler can move them onto the hanging list.
func SetReaperHook(fn func([]*Thread_t)) { reaperHook = fn }

/// SetClearCurrentHook installs the callback used to clear a CPU's current
/// thread pointer when a thread kills itself.
func SetClearCurrentHook(fn func(defs.Tid_t)) { clearCurrentHook = fn }

/// bootPid is the kernel process's fixed pid; Proc_create assigns it only
/// once, before any other allocPid call, since allocPid itself never hands
/// out 0.
const bootPid defs.Pid_t = 0

func allocPid() defs.Pid_t {
	procLock.Lock()
	defer procLock.Unlock()
	if Kernel_proc == nil {
		return bootPid
	}
	nextPid++
	return nextPid
}

func allocTid() defs.Tid_t {
	procLock.Lock()
	defer procLock.Unlock()
	nextTid++
	return nextTid
}

/// Find looks up a live process by pid.
func Find(pid defs.Pid_t) (*Process_t, bool) {
	procLock.Lock()
	defer procLock.Unlock()
	p, ok := procs[pid]
	return p, ok
}

/// Proc_create allocates a pid, a fresh (or shared, for kernel threads)
/// address space, and one initial thread entering at entryIp. parent may be
/// nil only for the very first (kernel) process.
func Proc_create(name string, isUser bool, entryIp int, parent *Process_t) (*Process_t, *Thread_t, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, nil, defs.ENOMEM
	}

	p := &Process_t{
		Pid:   allocPid(),
		Name:  name,
		State: PRUNNING,
	}

	if isUser {
		pm, p_pm, ok := vm.Page_map_new()
		if !ok {
			return nil, nil, defs.ENOMEM
		}
		p.Vm = &vm.Vm_t{Pmap: pm, P_pmap: p_pm}
	} else {
		p.Vm = &vm.Vm_t{Pmap: vm.Kernel_map}
	}

	if parent != nil {
		p.Cwd = parent.Cwd
		p.Perms = parent.Perms
		p.MapBase = parent.MapBase
		p.Parent = parent
		parent.Lock()
		parent.Children = append(parent.Children, p)
		parent.Unlock()
	}

	th := newThread(p)
	th.Ctx.Rip = uintptr(entryIp)
	p.Threads = append(p.Threads, th)

	procLock.Lock()
	procs[p.Pid] = p
	procLock.Unlock()

	switch p.Pid {
	case 0:
		Kernel_proc = p
	case 1:
		Init_proc = p
	}

	return p, th, defs.Success
}

func newThread(p *Process_t) *Thread_t {
	th := &Thread_t{
		Tid:    allocTid(),
		Proc:   p,
		State:  TREADY,
		Kstack: make([]byte, KstackSize),
		Tnote:  &tinfo.Tnote_t{Alive: true},
	}
	return th
}

/// Fd_to_ptr returns the nth file descriptor of p, or EBADF if it is not in
/// use.
func Fd_to_ptr(p *Process_t, n int) (*fd.Fd_t, defs.Err_t) {
	if n < 0 || n >= OPEN_MAX {
		return nil, defs.EBADF
	}
	p.FdLock.Lock()
	defer p.FdLock.Unlock()
	f := p.Fds[n]
	if f == nil {
		return nil, defs.EBADF
	}
	return f, defs.Success
}

/// Add_fd installs f at the lowest unused descriptor number, or ENFILE if
/// the table is full (OPEN_MAX reached).
func Add_fd(p *Process_t, f *fd.Fd_t) (int, defs.Err_t) {
	p.FdLock.Lock()
	defer p.FdLock.Unlock()
	for i, cur := range p.Fds {
		if cur == nil {
			p.Fds[i] = f
			return i, defs.Success
		}
	}
	return 0, defs.ENFILE
}

/// Close_fd drops descriptor n, closing its handle when this was the last
/// reference.
func Close_fd(p *Process_t, n int) defs.Err_t {
	p.FdLock.Lock()
	f := p.Fds[n]
	if f == nil {
		p.FdLock.Unlock()
		return defs.EBADF
	}
	p.Fds[n] = nil
	p.FdLock.Unlock()
	return f.Fops.Close()
}
