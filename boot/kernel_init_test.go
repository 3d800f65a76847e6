package boot

import (
	"strings"
	"testing"

	"menixgo/defs"
	"menixgo/kmod"
	"menixgo/mem"
	"menixgo/proc"
	"menixgo/stat"
	"menixgo/vfs"
)

// fakeModuleDir is a minimal vfs.Node + vfs.Readdir_i exposing no entries,
// enough to exercise KernelInit's "modules" stage without needing a real
// relocatable ELF byte stream (that mechanics are kmod's own test suite).
type fakeModuleDir struct {
	vfs.NopHandle
}

func (fakeModuleDir) Name() string                         { return "modules" }
func (fakeModuleDir) IsDir() bool                           { return true }
func (fakeModuleDir) Readdir() ([]vfs.Dirent_t, defs.Err_t) { return nil, defs.Success }
func (fakeModuleDir) Lookup(string) (vfs.Node, defs.Err_t)  { return nil, defs.ENOENT }
func (fakeModuleDir) Open(int) (vfs.Handle, defs.Err_t)     { return nil, defs.EISDIR }

// TestKernelInitBringsUpCoreStages models scenario S1's boot-to-userland
// setup, minus the VFS/console pieces this repo only consumes as an
// interface: after KernelInit, the physical allocator is live, pid 0 (the
// kernel process) exists, and the module-discovery stage ran without error
// even with nothing to load.
func TestKernelInitBringsUpCoreStages(t *testing.T) {
	proc.Kernel_proc = nil
	proc.Init_proc = nil

	bi := &Info{
		CmdLine: "console=serial",
		Regions: []PhysMemory{{Address: 0, Length: 128 * 1024 * 1024, Usage: mem.Free}},
	}

	g, err := KernelInit(bi, 2, fakeModuleDir{}, nil)
	if err != nil {
		t.Fatalf("KernelInit: %v", err)
	}
	if g == nil {
		t.Fatalf("KernelInit returned a nil graph")
	}

	free, total := mem.Physmem.Pgcount()
	if total == 0 {
		t.Fatalf("physical allocator was not initialized (total pages == 0)")
	}
	if free > total {
		t.Fatalf("free pages (%d) exceed total (%d)", free, total)
	}

	if proc.Kernel_proc == nil {
		t.Fatalf("pid 0 (kernel process) was not created")
	}
	if proc.Kernel_proc.Pid != 0 {
		t.Fatalf("Kernel_proc.Pid = %d, want 0", proc.Kernel_proc.Pid)
	}

	var st stat.Stat_t
	if errno := Kmsg.Stat(&st); errno != defs.Success {
		t.Fatalf("Kmsg.Stat: %v", errno)
	}
	if maj, _ := defs.Unmkdev(st.Rdev()); maj != defs.D_STAT {
		t.Fatalf("Kmsg device major = %d, want D_STAT (%d)", maj, defs.D_STAT)
	}

	out := make([]byte, 4096)
	n, errno := Kmsg.Read(vfs.NewSliceUio(out), 0)
	if errno != defs.Success {
		t.Fatalf("Kmsg.Read: %v", errno)
	}
	if !strings.Contains(string(out[:n]), "init stage reached: kernel_proc") {
		t.Fatalf("Kmsg ring did not record the kernel_proc stage: %q", out[:n])
	}
}

func TestKernelInitRejectsZeroCpus(t *testing.T) {
	bi := &Info{Regions: []PhysMemory{{Address: 0, Length: 16 * 1024 * 1024, Usage: mem.Free}}}
	if _, err := KernelInit(bi, 0, nil, nil); err == nil {
		t.Fatalf("KernelInit with ncpus=0 should fail")
	}
}

// TestKernelInitSkipsModuleDiscoveryWithoutDir confirms a nil modDir (no
// mounted filesystem yet) does not block the rest of boot: modules simply
// stay undiscovered, matching spec §7's "driver/subsystem init failure is
// non-fatal to the kernel" posture applied to "no modules directory at all".
func TestKernelInitSkipsModuleDiscoveryWithoutDir(t *testing.T) {
	proc.Kernel_proc = nil
	proc.Init_proc = nil

	bi := &Info{Regions: []PhysMemory{{Address: 0, Length: 16 * 1024 * 1024, Usage: mem.Free}}}
	if _, err := KernelInit(bi, 1, nil, nil); err != nil {
		t.Fatalf("KernelInit with nil modDir: %v", err)
	}
	if _, ok := kmod.Get("nonexistent"); ok {
		t.Fatalf("no module should have been registered")
	}
}
