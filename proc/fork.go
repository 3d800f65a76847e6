package proc

import (
	"menixgo/defs"
	"menixgo/fd"
	"menixgo/vm"
)

/// Fork implements proc_fork: it forks parent's page map, duplicates its
/// file descriptors with fd.Copyfd (each child entry is a distinct Fd_t
/// whose shared handle is reopened, bumping the handle's reference count),
/// links the new process into
/// parent's children, and copies fromThread's context into the child's sole
/// thread with the child's return register forced to 0. It returns the new
/// pid, which the parent's syscall return path reports as its own result.
func Fork(parent *Process_t, fromThread *Thread_t) (defs.Pid_t, defs.Err_t) {
	childVm, ok := vm.Page_map_fork(parent.Vm)
	if !ok {
		return 0, defs.ENOMEM
	}

	child := &Process_t{
		Pid:      allocPid(),
		Name:     parent.Name,
		State:    PRUNNING,
		Vm:       childVm,
		Perms:    parent.Perms,
		MapBase:  parent.MapBase,
		StackTop: parent.StackTop,
		Parent:   parent,
	}
	child.Cwd = parent.Cwd

	parent.FdLock.Lock()
	for i, f := range parent.Fds {
		if f == nil {
			continue
		}
		nf, err := fd.Copyfd(f)
		if err != defs.Success {
			parent.FdLock.Unlock()
			vm.Page_map_destroy(childVm)
			return 0, err
		}
		child.Fds[i] = nf
	}
	parent.FdLock.Unlock()

	parent.Lock()
	parent.Children = append(parent.Children, child)
	parent.Unlock()

	cth := newThread(child)
	cth.Ctx = fromThread.Ctx
	cth.Ctx.Regs[REG_RAX] = 0
	child.Threads = append(child.Threads, cth)

	procLock.Lock()
	procs[child.Pid] = child
	procLock.Unlock()

	return child.Pid, defs.Success
}
