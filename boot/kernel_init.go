package boot

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"menixgo/caller"
	"menixgo/cmdline"
	"menixgo/defs"
	"menixgo/kmod"
	"menixgo/kmsg"
	"menixgo/mem"
	"menixgo/proc"
	"menixgo/sched"
	"menixgo/vfs"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Str("subsys", "boot").Logger()

/// Kmsg is the boot-stage ring-buffered log: every init stage reached during
/// the most recent KernelInit is recorded here, in addition to the zerolog
/// line each stage logs as it starts, the way a real kernel's dmesg keeps a
/// copy of early boot output a console driver was not yet attached to
/// receive. KernelInit replaces it with a fresh ring and records the stages
/// once the graph has run, since the ring's page comes from the allocator
/// the physmem stage sets up.
var Kmsg = kmsg.New(mem.Physmem, 0)

func init() {
	caller.Resolver = func(pc uintptr) (string, bool) {
		return kmod.ResolveAddr(int(pc))
	}
}

/// KernelInit builds and runs the boot-time init graph: physical allocator,
/// direct map, per-CPU descriptors, the pid-0 kernel process, then dynamic
/// module discovery and load. It mirrors the control flow spec §2 describes
/// ("H is initialized once during boot") without hard-coding a call
/// sequence — each stage only names the stages it depends on, so a future
/// stage can be inserted (say, an ACPI or PCI bus-enumeration stage between
/// "dmap" and "modules") by registering it with the right Deps instead of
/// editing every caller of a fixed boot function.
//
// modDir is the VFS node for /boot/modules (spec §6's persistent state);
// nil skips dynamic module discovery entirely (a from-scratch boot with no
// mounted filesystem yet, or a test that only cares about the core stages).
// cl is the parsed command line used for each module's enable/disable
// toggle; nil leaves every discovered module enabled.
func KernelInit(bi *Info, ncpus int, modDir vfs.Node, cl *cmdline.Cmdline_t) (*Graph, error) {
	g := NewGraph()

	g.Register("physmem", nil, func() error {
		mem.Phys_init(bi.MemRegions())
		return nil
	})

	g.Register("dmap", []string{"physmem"}, func() error {
		mem.Dmap_init()
		return nil
	})

	g.Register("cpus", []string{"dmap"}, func() error {
		if ncpus <= 0 {
			return fmt.Errorf("ncpus must be positive, got %d", ncpus)
		}
		for i := 0; i < ncpus; i++ {
			sched.NewCpu(i)
		}
		return nil
	})

	g.Register("kernel_proc", []string{"cpus"}, func() error {
		_, _, err := proc.Proc_create("kernel", false, 0, nil)
		if err != defs.Success {
			return fmt.Errorf("proc_create(kernel) failed: %v", err)
		}
		return nil
	})

	g.Register("modules", []string{"kernel_proc"}, func() error {
		if modDir != nil {
			enabled := func(string) bool { return true }
			if cl != nil {
				enabled = cl.ModuleEnabled
			}
			kmod.LoadDirectory(modDir, enabled)
		}
		if failed := kmod.LoadAllRegistered(); failed > 0 {
			log.Warn().Int("failed", failed).Msg("one or more modules failed to initialize")
		}
		return nil
	})

	Kmsg = kmsg.New(mem.Physmem, 0)
	var reached []string
	err := g.Execute(func(label string) {
		log.Info().Str("stage", label).Msg("init stage reached")
		reached = append(reached, label)
	})
	for _, label := range reached {
		Kmsg.Record(fmt.Sprintf("init stage reached: %s", label))
	}
	if err != nil {
		Kmsg.Record(fmt.Sprintf("boot failed: %v", err))
	}
	return g, err
}
