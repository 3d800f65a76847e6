package sched

import (
	"testing"

	"menixgo/mem"
	"menixgo/proc"
)

func initPhysOnce(t *testing.T) {
	t.Helper()
	if !mem.Physmem.Dmapinit {
		mem.Phys_init([]mem.Region_t{{Base: 0, Len: 16 * 1024 * 1024, Usage: mem.Free}})
	}
	if proc.Kernel_proc == nil {
		proc.Proc_create("kernel", false, 0, nil)
	}
	if proc.Init_proc == nil {
		proc.Proc_create("init", true, 0, proc.Kernel_proc)
	}
}

// TestSelectPicksReadyThreadExactlyOnce checks invariant 1: a thread Select
// hands out is removed from the ready list, so no other CPU can also pick it.
func TestSelectPicksReadyThreadExactlyOnce(t *testing.T) {
	initPhysOnce(t)
	_, th, err := proc.Proc_create("a", true, 0, proc.Init_proc)
	if err != 0 {
		t.Fatalf("Proc_create failed: %v", err)
	}
	Ready(th)

	cpu := NewCpu(100)
	got := Select(cpu)
	if got != th {
		t.Fatalf("Select returned %v, want the just-readied thread", got)
	}
	if got.State != proc.TRUNNING {
		t.Fatalf("selected thread state = %v, want TRUNNING", got.State)
	}
	if cpu.Current != th {
		t.Fatalf("cpu.Current not installed to the selected thread")
	}

	other := NewCpu(101)
	if again := Select(other); again != nil {
		t.Fatalf("Select on another CPU returned %v, want nil (already removed from ready)", again)
	}
}

// TestSelectScansFromSuccessor checks the scan-from-successor policy: once a
// CPU has a current thread, the next Select call should prefer the thread
// after it in the ready list, not restart from the front every time.
func TestSelectScansFromSuccessor(t *testing.T) {
	initPhysOnce(t)
	_, t1, _ := proc.Proc_create("b1", true, 0, proc.Init_proc)
	_, t2, _ := proc.Proc_create("b2", true, 0, proc.Init_proc)

	cpu := NewCpu(110)
	// Install t1 as cpu.Current without going through Select, mirroring a
	// thread that is already running on this core.
	cpu.Current = t1
	Ready(t2)

	got := Select(cpu)
	if got != t2 {
		t.Fatalf("Select = %v, want t2 (the successor of the installed current thread)", got)
	}
}

// TestSchInvokeDemotesRunningThenReselects models a voluntary yield: the
// outgoing Running thread goes back to Ready, and a different waiting thread
// takes its place.
func TestSchInvokeDemotesRunningThenReselects(t *testing.T) {
	initPhysOnce(t)
	_, out, _ := proc.Proc_create("out", true, 0, proc.Init_proc)
	_, in, _ := proc.Proc_create("in", true, 0, proc.Init_proc)

	cpu := NewCpu(120)
	out.Lock()
	out.State = proc.TRUNNING
	out.Unlock()
	cpu.Current = out
	Ready(in)

	next := Sch_invoke(cpu)
	if next != in {
		t.Fatalf("Sch_invoke selected %v, want the other ready thread", next)
	}
	out.Lock()
	demoted := out.State
	out.Unlock()
	if demoted != proc.TREADY {
		t.Fatalf("outgoing thread state = %v, want TREADY (demoted back to ready)", demoted)
	}
}

// TestSchInvokeDoesNotReReadyAThreadThatLeftRunningForAnotherReason checks
// that a thread which changed state for its own reason (e.g. it went to
// sleep) is not clobbered back onto the ready list by the generic demotion.
func TestSchInvokeDoesNotReReadyAThreadThatLeftRunningForAnotherReason(t *testing.T) {
	initPhysOnce(t)
	_, out, _ := proc.Proc_create("sleeper", true, 0, proc.Init_proc)

	cpu := NewCpu(130)
	cpu.Current = out
	out.Lock()
	out.State = proc.TSLEEPING
	out.Unlock()

	Sch_invoke(cpu)

	out.Lock()
	state := out.State
	out.Unlock()
	if state != proc.TSLEEPING {
		t.Fatalf("Sch_invoke overwrote a non-running exit state: got %v, want TSLEEPING", state)
	}
}

// TestThreadSleepAndWakeExpiredRoundTrip checks that a sleeper with an
// already-past deadline is moved back onto the ready list by WakeExpired, and
// one whose deadline has not yet passed is left alone.
func TestThreadSleepAndWakeExpiredRoundTrip(t *testing.T) {
	initPhysOnce(t)
	_, expired, _ := proc.Proc_create("expired", true, 0, proc.Init_proc)
	_, notYet, _ := proc.Proc_create("notyet", true, 0, proc.Init_proc)

	ThreadSleep(expired, -1) // deadline already in the past
	ThreadSleep(notYet, int64(1)<<62)

	WakeExpired()

	expired.Lock()
	expiredState := expired.State
	expired.Unlock()
	if expiredState != proc.TREADY {
		t.Fatalf("expired sleeper state = %v, want TREADY after WakeExpired", expiredState)
	}

	notYet.Lock()
	notYetState := notYet.State
	notYet.Unlock()
	if notYetState != proc.TSLEEPING {
		t.Fatalf("not-yet-expired sleeper state = %v, want still TSLEEPING", notYetState)
	}

	cpu := NewCpu(140)
	got := Select(cpu)
	if got != expired {
		t.Fatalf("Select after WakeExpired = %v, want the woken thread", got)
	}
}

// TestReapIsIdempotent checks invariant 8: calling Reap twice in a row with
// nothing new queued does the same (nothing) the second time, rather than
// double-freeing or panicking.
func TestReapIsIdempotent(t *testing.T) {
	initPhysOnce(t)
	p, th, _ := proc.Proc_create("doomed", true, 0, proc.Init_proc)

	proc.Kill(p, 0, th.Tid)
	Reap()
	Reap()
}
