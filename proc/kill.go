package proc

import (
	"menixgo/defs"
	"menixgo/limits"
)

/// Kill implements proc_kill: it moves every thread of p onto the global
/// hanging list (via the scheduler's reaper hook), reparents p's children to
/// init, releases every file descriptor, marks p dead and enqueues it for
/// reaping. If callerTid belongs to p (the process is killing itself), the
/// owning CPU's current-thread pointer is cleared first so the scheduler
/// cannot re-select it.
func Kill(p *Process_t, rc int, callerTid defs.Tid_t) {
	p.Lock()
	if p.State == PDEAD {
		p.Unlock()
		return
	}
	p.State = PDEAD
	p.Rc = rc
	threads := p.Threads
	p.Threads = nil
	children := p.Children
	p.Children = nil
	p.Unlock()

	for _, th := range threads {
		if th.Tid == callerTid && clearCurrentHook != nil {
			clearCurrentHook(th.Tid)
		}
	}

	if Init_proc != nil {
		Init_proc.Lock()
		for _, c := range children {
			c.Parent = Init_proc
			Init_proc.Children = append(Init_proc.Children, c)
		}
		Init_proc.Unlock()
	}

	p.FdLock.Lock()
	for i, f := range p.Fds {
		if f != nil {
			f.Fops.Close()
			p.Fds[i] = nil
		}
	}
	p.FdLock.Unlock()

	if reaperHook != nil {
		reaperHook(threads)
	} else {
		for _, th := range threads {
			th.Lock()
			th.State = TDEAD
			th.Unlock()
		}
	}

	procLock.Lock()
	delete(procs, p.Pid)
	procLock.Unlock()

	deadLock.Lock()
	deadProcs = append(deadProcs, p)
	deadLock.Unlock()

	limits.Syslimit.Sysprocs.Give()
}

/// ReapDeadProcs drains and returns every process Kill has queued since the
/// last call, for the scheduler's reaper pass. Dead threads/processes are
/// thereby freed exactly once: each process appears in the returned slice
/// at most one time.
func ReapDeadProcs() []*Process_t {
	deadLock.Lock()
	defer deadLock.Unlock()
	if len(deadProcs) == 0 {
		return nil
	}
	out := deadProcs
	deadProcs = nil
	return out
}
