// Package kmod is the kernel module loader: a name-keyed registry of
// modules (either compiled into the kernel image and registered directly,
// or discovered as relocatable ELF files under the boot-configured modules
// directory), a dependency-ordered loader, and the kernel-wide exported
// symbol table dynamic modules relocate against.
//
// Grounded on kernel/system/module.c: a global string-keyed module map plus
// a symbol map, dependency-recursive loading before a module's own init,
// and post-init callbacks run once every registered module has loaded.
package kmod

import (
	"bytes"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"menixgo/defs"
	"menixgo/hashtable"
	"menixgo/vfs"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Str("subsys", "kmod").Logger()

/// InitFn runs a module's initialization; a nonzero Err_t aborts the load of
/// the module and everything depending on it.
type InitFn func() defs.Err_t

/// ExitFn tears a module down; it never fails (matching the void exit() of
/// the original Module struct).
type ExitFn func()

/// Module is the logical descriptor a loaded module publishes: identity,
/// the callbacks that drive it, and the names of modules it depends on.
/// This is the Go analog of the `.mod` section layout described in the
/// external-interfaces contract (name/author/description/deps plus
/// init/exit entry points).
type Module struct {
	Name        string
	Author      string
	Description string
	Deps        []string
	// InitArray holds the module's DT_INIT_ARRAY entries (C++-style static
	// constructors), run in order before Init, matching module_init's
	// "call DT_INIT_ARRAY entries, then the module's init callback" step.
	// Empty for modules with no .init_array section.
	InitArray []InitFn
	Init      InitFn
	Exit      ExitFn
}

/// Maps_t records one PT_LOAD mapping a dynamically loaded module
/// installed, so Unload can release exactly what Load allocated.
type Maps_t struct {
	Addr  int
	Size  int
}

/// LoadedModule is one entry in the module registry: the descriptor plus
/// load-time bookkeeping (file path for dynamically loaded modules, the
/// mapped regions to release on unload, and whether init already ran).
type LoadedModule struct {
	Module   *Module
	FilePath string

	mu     sync.Mutex
	Loaded bool
	Maps   []Maps_t
}

var (
	modules = hashtable.MkHash(128)
	symbols = hashtable.MkHash(128)

	// loadLock serializes the module graph: per the concurrency model,
	// the module map and symbol map are lock-free read-only at runtime
	// except during module load, which serializes. Recursive dependency
	// loads happen without re-acquiring it (loadLocked), only independent
	// subtrees run concurrently via errgroup.
	loadLock sync.Mutex

	postMu  sync.Mutex
	postFns []func()
)

type symEntry struct {
	addr int
	size int
}

/// Register adds a module to the registry under name. A module already
/// registered under that name is left untouched and this call is a no-op
/// logged as a warning, matching module_register's "ignore already loaded"
/// behavior (built-in modules are registered once at link time in the
/// original; here at package-init time).
func Register(name string, lm *LoadedModule) {
	if _, inserted := modules.Set(name, lm); !inserted {
		log.Warn().Str("module", name).Msg("ignoring already-registered module")
		return
	}
	log.Info().Str("module", name).Msg("registered module")
}

/// Get looks up a registered module by name.
func Get(name string) (*LoadedModule, bool) {
	v, ok := modules.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*LoadedModule), true
}

/// Load recursively loads name's dependencies, then runs its init hook.
/// Already-loaded modules return success immediately (idempotent). If any
/// dependency fails, name is not initialized and the failure is reported to
/// the original caller's chain, matching scenario S5.
func Load(name string) defs.Err_t {
	loadLock.Lock()
	defer loadLock.Unlock()
	return loadLocked(name)
}

func loadLocked(name string) defs.Err_t {
	lm, ok := Get(name)
	if !ok {
		log.Error().Str("module", name).Msg("unable to load: not registered")
		return defs.ENOENT
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.Loaded {
		return defs.Success
	}

	// Independent dependency subtrees load concurrently; a diamond
	// dependency is merely loaded twice-checked (the second caller waits on
	// the module's lock, then Loaded turns its call into a no-op), never
	// loaded twice.
	var g errgroup.Group
	for _, dep := range lm.Module.Deps {
		dep := dep
		g.Go(func() error {
			if err := loadLocked(dep); err != defs.Success {
				return depError{dep: dep, err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Str("module", name).Err(err).Msg("failed to load dependency")
		return defs.ENOENT
	}

	if lm.Module.Init == nil {
		log.Warn().Str("module", name).Msg("no init function present, skipping")
		return defs.ENOENT
	}

	for i, fn := range lm.Module.InitArray {
		if err := fn(); err != defs.Success {
			log.Error().Str("module", name).Int("entry", i).Int("err", int(err)).
				Msg("init_array entry failed")
			return err
		}
	}

	ret := lm.Module.Init()
	if ret == defs.Success {
		lm.Loaded = true
		log.Info().Str("module", name).Msg("initialized module")
	} else {
		log.Error().Str("module", name).Int("err", int(ret)).Msg("module init failed")
	}
	return ret
}

type depError struct {
	dep string
	err defs.Err_t
}

func (e depError) Error() string { return e.dep + ": " + e.err.String() }

/// Unload runs a loaded module's exit hook and releases the physical frames
/// backing any dynamically mapped PT_LOAD segments, returning it to the
/// unloaded state. Modules that were never loaded are a no-op.
func Unload(name string) defs.Err_t {
	lm, ok := Get(name)
	if !ok {
		return defs.ENOENT
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if !lm.Loaded {
		return defs.Success
	}
	if lm.Module.Exit != nil {
		lm.Module.Exit()
	}
	freeMaps(lm.Maps)
	lm.Maps = nil
	lm.Loaded = false
	return defs.Success
}

/// RegisterPost queues a callback to run once, after every registered
/// module has finished loading (module_register_post).
func RegisterPost(fn func()) {
	postMu.Lock()
	defer postMu.Unlock()
	postFns = append(postFns, fn)
}

/// RunPost invokes and clears the queued post-init callbacks. Boot calls
/// this once, after the load sweep over every registered module.
func RunPost() {
	postMu.Lock()
	fns := postFns
	postFns = nil
	postMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

/// RegisterSymbol publishes name -> (addr, size) to the kernel-wide symbol
/// table dynamic modules relocate against. A name already present keeps its
/// first binding, matching module_register_symbol's "if not yet present".
func RegisterSymbol(name string, addr, size int) {
	symbols.Set(name, symEntry{addr: addr, size: size})
}

/// LookupSymbol resolves an external relocation's symbol name against the
/// kernel-wide symbol table.
func LookupSymbol(name string) (int, bool) {
	v, ok := symbols.Get(name)
	if !ok {
		return 0, false
	}
	return v.(symEntry).addr, true
}

/// ResolveAddr finds the exported symbol whose [addr, addr+size) range
/// contains target, for panic stack-trace symbolication (module_find_symbol).
func ResolveAddr(target int) (string, bool) {
	var found string
	var ok bool
	symbols.Iter(func(k, v interface{}) bool {
		e := v.(symEntry)
		if target >= e.addr && target < e.addr+e.size {
			found, ok = k.(string), true
			return true
		}
		return false
	})
	return found, ok
}

/// LoadDirectory discovers dynamic modules under dir (typically the
/// cmdline's modules= path) by enumerating its directory entries, reading
/// each as a relocatable ELF, and registering it under its node name. Per
/// spec §7, a driver/subsystem init failure here is non-fatal to boot: it
/// is logged and that module's devices are simply unavailable.
func LoadDirectory(dir vfs.Node, enabled func(name string) bool) {
	rd, ok := dir.(vfs.Readdir_i)
	if !ok {
		log.Warn().Msg("modules directory does not support listing, skipping dynamic discovery")
		return
	}
	ents, err := rd.Readdir()
	if err != 0 {
		log.Warn().Str("err", err.String()).Msg("failed to list modules directory")
		return
	}
	for _, ent := range ents {
		if enabled != nil && !enabled(ent.Name) {
			continue
		}
		node, lerr := dir.Lookup(ent.Name)
		if lerr != defs.Success || node.IsDir() {
			continue
		}
		h, operr := node.Open(0)
		if operr != defs.Success {
			log.Error().Str("file", ent.Name).Str("err", operr.String()).Msg("failed to open module file")
			continue
		}
		lm, lerr2 := LoadELF(h, ent.Name)
		h.Close()
		if lerr2 != defs.Success {
			log.Error().Str("file", ent.Name).Str("err", lerr2.String()).Msg("failed to load module ELF")
			continue
		}
		Register(lm.Module.Name, lm)
	}
}

/// LoadAllRegistered runs Load over every currently registered module and
/// reports how many failed, matching module_init's final sweep over the
/// module map. Failures are logged individually and do not stop the sweep.
func LoadAllRegistered() int {
	failed := 0
	for _, pair := range modules.Elems() {
		name := pair.Key.(string)
		if err := Load(name); err != defs.Success {
			failed++
		}
	}
	var banner bytes.Buffer
	BootBanner(&banner)
	log.Info().Int("failed", failed).Msg("module load sweep complete\n" + banner.String())
	return failed
}
