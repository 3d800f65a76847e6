// Package sched implements round-robin thread scheduling across independent
// per-CPU dispatch loops: a global ready list, a hanging list of threads
// awaiting reaping, and a sleeping list of timed-out waiters. There is no
// work stealing — any CPU may pick any ready thread — and a thread's
// saved context is authoritative only while it is not Running, matching the
// "interrupt frame is truth while running" rule real hardware enforces and
// this rendition instead documents as a rule callers must follow.
package sched

import (
	"bytes"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"menixgo/defs"
	"menixgo/proc"
	"menixgo/stats"
	"menixgo/vm"
)

/// Switches counts completed context switches across all CPUs, when
/// stats.Stats is enabled.
var Switches stats.Counter_t

func init() {
	proc.SetReaperHook(hangThreads)
	proc.SetClearCurrentHook(clearCurrentOn)
}

/// Cpu_t is a per-core descriptor: which thread it is currently running, if
/// any, plus the lock serializing context switches on that core.
type Cpu_t struct {
	Id int
	sync.Mutex
	Current *proc.Thread_t
}

var (
	listLock sync.Mutex
	ready    []*proc.Thread_t
	hanging  []*proc.Thread_t
	sleeping []*proc.Thread_t

	cpuLock sync.Mutex
	cpus    []*Cpu_t
)

/// NewCpu registers a new per-core descriptor with logical id.
func NewCpu(id int) *Cpu_t {
	c := &Cpu_t{Id: id}
	cpuLock.Lock()
	cpus = append(cpus, c)
	cpuLock.Unlock()
	return c
}

/// Ready enqueues th onto the global ready list, marking it Ready.
func Ready(th *proc.Thread_t) {
	th.Lock()
	th.State = proc.TREADY
	th.Unlock()
	listLock.Lock()
	ready = append(ready, th)
	listLock.Unlock()
}

func hangThreads(threads []*proc.Thread_t) {
	for _, th := range threads {
		th.Lock()
		th.State = proc.TDEAD
		th.Unlock()
	}
	listLock.Lock()
	hanging = append(hanging, threads...)
	listLock.Unlock()
}

func clearCurrentOn(tid defs.Tid_t) {
	cpuLock.Lock()
	defer cpuLock.Unlock()
	for _, c := range cpus {
		c.Lock()
		if c.Current != nil && c.Current.Tid == tid {
			c.Current = nil
		}
		c.Unlock()
	}
}

/// Select performs the scan-from-successor, first-lockable-Ready-thread
/// selection policy and, on success, removes the winner from the ready list
/// and installs it as cpu.Current.
func Select(cpu *Cpu_t) *proc.Thread_t {
	listLock.Lock()
	defer listLock.Unlock()

	n := len(ready)
	if n == 0 {
		return nil
	}
	start := 0
	if cpu.Current != nil {
		for i, t := range ready {
			if t == cpu.Current {
				start = i + 1
				break
			}
		}
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		t := ready[idx]
		if t.State != proc.TREADY {
			continue
		}
		if !t.TryLock() {
			continue
		}
		ready = append(ready[:idx:idx], ready[idx+1:]...)
		t.State = proc.TRUNNING
		t.Unlock()
		cpu.Current = t
		return t
	}
	return nil
}

/// Sch_invoke is the voluntary-yield / timer-IRQ entry point: it reaps,
/// demotes the outgoing thread back to Ready (unless it changed state for
/// another reason, e.g. it went to sleep or was killed), and selects the
/// next thread to run on cpu.
func Sch_invoke(cpu *Cpu_t) *proc.Thread_t {
	Reap()

	cpu.Lock()
	out := cpu.Current
	cpu.Current = nil
	cpu.Unlock()

	if out != nil {
		out.Lock()
		if out.State == proc.TRUNNING {
			out.State = proc.TREADY
			listLock.Lock()
			ready = append(ready, out)
			listLock.Unlock()
		}
		out.Unlock()
	}

	next := Select(cpu)
	cpu.Lock()
	cpu.Current = next
	cpu.Unlock()
	Switches.Inc()
	return next
}

/// ThreadSleep moves th to the sleeping list with a wake deadline ns
/// nanoseconds from now.
func ThreadSleep(th *proc.Thread_t, ns int64) {
	th.Lock()
	th.State = proc.TSLEEPING
	th.Wakeat = time.Now().UnixNano() + ns
	th.Unlock()
	listLock.Lock()
	sleeping = append(sleeping, th)
	listLock.Unlock()
}

/// WakeExpired is called by the timer handler to re-enqueue into Ready any
/// sleeper whose deadline has passed.
func WakeExpired() {
	now := time.Now().UnixNano()
	listLock.Lock()
	var still []*proc.Thread_t
	var woken []*proc.Thread_t
	for _, th := range sleeping {
		if th.Wakeat <= now {
			woken = append(woken, th)
		} else {
			still = append(still, th)
		}
	}
	sleeping = still
	listLock.Unlock()

	for _, th := range woken {
		Ready(th)
	}
}

/// Reap frees every hanging thread's kernel stack and destroys the address
/// space of every process proc.Kill has queued, exactly once per process
/// (ReapDeadProcs drains its queue on every call), matching the reaper
/// idempotence property.
func Reap() {
	listLock.Lock()
	h := hanging
	hanging = nil
	listLock.Unlock()

	for _, th := range h {
		th.Lock()
		th.Kstack = nil
		th.Unlock()
	}

	for _, p := range proc.ReapDeadProcs() {
		if p.Vm != nil && p.Vm.Pmap != vm.Kernel_map {
			vm.Page_map_destroy(p.Vm)
		}
	}
}

/// DumpGoroutineProfile captures the runtime's current goroutine profile
/// and parses it into a navigable profile.Profile, for post-mortem
/// debugging of scheduler hangs (a parked goroutine stands in for a
/// sleeping/waiting kernel thread in this rendition).
func DumpGoroutineProfile() (*profile.Profile, error) {
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 0); err != nil {
		return nil, err
	}
	return profile.Parse(&buf)
}
