package kmod

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"menixgo/defs"
	"menixgo/mem"
	"menixgo/vfs"
	"menixgo/vm"
)

func initPhysOnce(t *testing.T) {
	t.Helper()
	if !mem.Physmem.Dmapinit {
		mem.Phys_init([]mem.Region_t{{Base: 0, Len: 64 * 1024 * 1024, Usage: mem.Free}})
	}
}

// TestDependencyLoadOrder matches scenario S5: B depends on A; loading B
// must initialize A first.
func TestDependencyLoadOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) InitFn {
		return func() defs.Err_t {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return defs.Success
		}
	}

	Register("s5-a", &LoadedModule{Module: &Module{Name: "s5-a", Init: record("s5-a")}})
	Register("s5-b", &LoadedModule{Module: &Module{Name: "s5-b", Deps: []string{"s5-a"}, Init: record("s5-b")}})

	if err := Load("s5-b"); err != defs.Success {
		t.Fatalf("Load(s5-b) = %v, want success", err)
	}
	if len(order) != 2 || order[0] != "s5-a" || order[1] != "s5-b" {
		t.Fatalf("init order = %v, want [s5-a s5-b]", order)
	}
}

// TestDependencyInitFailureBlocksDependent matches S5's "if A's init
// returns nonzero, B is not initialized".
func TestDependencyInitFailureBlocksDependent(t *testing.T) {
	bInited := false
	Register("s5fail-a", &LoadedModule{Module: &Module{Name: "s5fail-a", Init: func() defs.Err_t { return defs.EIO }}})
	Register("s5fail-b", &LoadedModule{Module: &Module{
		Name: "s5fail-b",
		Deps: []string{"s5fail-a"},
		Init: func() defs.Err_t { bInited = true; return defs.Success },
	}})

	if err := Load("s5fail-b"); err == defs.Success {
		t.Fatalf("Load(s5fail-b) succeeded, want failure")
	}
	if bInited {
		t.Fatalf("dependent initialized despite failed dependency")
	}
}

// TestInitArrayRunsBeforeInit matches spec §4.H step 10: every DT_INIT_ARRAY
// entry runs, in order, before the module's own init callback.
func TestInitArrayRunsBeforeInit(t *testing.T) {
	var order []string
	mkEntry := func(name string) InitFn {
		return func() defs.Err_t { order = append(order, name); return defs.Success }
	}
	Register("initarray-ok", &LoadedModule{Module: &Module{
		Name:      "initarray-ok",
		InitArray: []InitFn{mkEntry("ctor-0"), mkEntry("ctor-1")},
		Init:      mkEntry("init"),
	}})
	if err := Load("initarray-ok"); err != defs.Success {
		t.Fatalf("Load: %v", err)
	}
	if want := []string{"ctor-0", "ctor-1", "init"}; len(order) != len(want) {
		t.Fatalf("call order = %v, want %v", order, want)
	} else {
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("call order = %v, want %v", order, want)
			}
		}
	}
}

// TestInitArrayFailureBlocksInit checks that a failing constructor aborts
// the load before the module's own Init ever runs, and before any later
// constructor in the array.
func TestInitArrayFailureBlocksInit(t *testing.T) {
	initRan := false
	secondCtorRan := false
	Register("initarray-fail", &LoadedModule{Module: &Module{
		Name: "initarray-fail",
		InitArray: []InitFn{
			func() defs.Err_t { return defs.ENOEXEC },
			func() defs.Err_t { secondCtorRan = true; return defs.Success },
		},
		Init: func() defs.Err_t { initRan = true; return defs.Success },
	}})
	if err := Load("initarray-fail"); err != defs.ENOEXEC {
		t.Fatalf("Load err = %v, want ENOEXEC", err)
	}
	if secondCtorRan {
		t.Fatalf("constructor after the failing one ran")
	}
	if initRan {
		t.Fatalf("module Init ran despite a failing init_array entry")
	}
	lm, _ := Get("initarray-fail")
	if lm.Loaded {
		t.Fatalf("module marked Loaded despite a failing init_array entry")
	}
}

func TestLoadUnknownDependencyFails(t *testing.T) {
	Register("needs-ghost", &LoadedModule{Module: &Module{
		Name: "needs-ghost",
		Deps: []string{"does-not-exist"},
		Init: func() defs.Err_t { return defs.Success },
	}})
	if err := Load("needs-ghost"); err == defs.Success {
		t.Fatalf("Load succeeded with an unregistered dependency")
	}
}

func TestLoadUnregisteredNameIsEnoent(t *testing.T) {
	if err := Load("totally-unregistered"); err != defs.ENOENT {
		t.Fatalf("err = %v, want ENOENT", err)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	calls := 0
	Register("idem", &LoadedModule{Module: &Module{
		Name: "idem",
		Init: func() defs.Err_t { calls++; return defs.Success },
	}})
	if err := Load("idem"); err != defs.Success {
		t.Fatalf("first load: %v", err)
	}
	if err := Load("idem"); err != defs.Success {
		t.Fatalf("second load: %v", err)
	}
	if calls != 1 {
		t.Fatalf("init called %d times, want 1", calls)
	}
}

func TestSymbolRegisterLookupResolve(t *testing.T) {
	RegisterSymbol("demo_symbol", 0x2000, 16)
	addr, ok := LookupSymbol("demo_symbol")
	if !ok || addr != 0x2000 {
		t.Fatalf("LookupSymbol = (%d, %v), want (0x2000, true)", addr, ok)
	}
	name, ok := ResolveAddr(0x2005)
	if !ok || name != "demo_symbol" {
		t.Fatalf("ResolveAddr = (%q, %v), want (demo_symbol, true)", name, ok)
	}
	if _, ok := ResolveAddr(0x3000); ok {
		t.Fatalf("ResolveAddr matched an address outside the symbol's range")
	}
}

func TestLookupSymbolMissing(t *testing.T) {
	if _, ok := LookupSymbol("no-such-symbol-xyz"); ok {
		t.Fatalf("LookupSymbol found a symbol that was never registered")
	}
}

// TestUnloadFreesMappedFrames checks the round-trip property from §8: a
// module's init->exit returns its mapped memory to the physical allocator
// in full.
func TestUnloadFreesMappedFrames(t *testing.T) {
	initPhysOnce(t)
	kvm := kernelVm()

	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}
	mem.Physmem.Refup(p_pg) // refcnt starts at 0; the mapping holds the sole reference
	va := ModuleBase + 0x600000
	if !kvm.Map(va, p_pg, vm.PTE_W|vm.PTE_P) {
		t.Fatalf("Map failed")
	}
	freeBefore, _ := mem.Physmem.Pgcount()

	exitCalled := false
	lm := &LoadedModule{
		Module: &Module{
			Name: "unload-roundtrip",
			Init: func() defs.Err_t { return defs.Success },
			Exit: func() { exitCalled = true },
		},
		Maps: []Maps_t{{Addr: va, Size: vm.PGSIZE}},
	}
	Register("unload-roundtrip", lm)

	if err := Load("unload-roundtrip"); err != defs.Success {
		t.Fatalf("Load: %v", err)
	}
	if err := Unload("unload-roundtrip"); err != defs.Success {
		t.Fatalf("Unload: %v", err)
	}
	if !exitCalled {
		t.Fatalf("exit hook was not called")
	}
	freeAfter, _ := mem.Physmem.Pgcount()
	if freeAfter != freeBefore+1 {
		t.Fatalf("free pages after unload = %d, want %d", freeAfter, freeBefore+1)
	}
	if _, ok := kvm.Translate(va); ok {
		t.Fatalf("module page still mapped after unload")
	}
}

func TestUnloadOfNeverLoadedIsNoop(t *testing.T) {
	Register("never-loaded", &LoadedModule{Module: &Module{Name: "never-loaded", Init: func() defs.Err_t { return defs.Success }}})
	if err := Unload("never-loaded"); err != defs.Success {
		t.Fatalf("Unload of an unloaded module returned %v, want success", err)
	}
}

func TestRegisterIgnoresDuplicateName(t *testing.T) {
	first := &LoadedModule{Module: &Module{Name: "dup", Init: func() defs.Err_t { return defs.Success }}}
	second := &LoadedModule{Module: &Module{Name: "dup", Init: func() defs.Err_t { return defs.EIO }}}
	Register("dup", first)
	Register("dup", second)
	got, ok := Get("dup")
	if !ok || got != first {
		t.Fatalf("Get(dup) returned the second registration, want the first kept")
	}
}

func TestRunPostRunsQueuedCallbacksOnce(t *testing.T) {
	n := 0
	RegisterPost(func() { n++ })
	RegisterPost(func() { n++ })
	RunPost()
	if n != 2 {
		t.Fatalf("post callbacks ran %d times, want 2", n)
	}
	RunPost()
	if n != 2 {
		t.Fatalf("post callbacks re-ran on a second RunPost, want no-op")
	}
}

// fakeDir is a minimal vfs.Node + vfs.Readdir_i used to exercise
// LoadDirectory's enable-toggle filtering and graceful handling of files
// that fail to parse as modules, without needing a real ELF byte stream.
type fakeDir struct {
	vfs.NopHandle
	ents  []vfs.Dirent_t
	files map[string][]byte
}

func (d *fakeDir) Name() string { return "modules" }
func (d *fakeDir) IsDir() bool  { return true }
func (d *fakeDir) Readdir() ([]vfs.Dirent_t, defs.Err_t) { return d.ents, defs.Success }
func (d *fakeDir) Lookup(name string) (vfs.Node, defs.Err_t) {
	data, ok := d.files[name]
	if !ok {
		return nil, defs.ENOENT
	}
	return &fakeFile{data: data}, defs.Success
}
func (d *fakeDir) Open(int) (vfs.Handle, defs.Err_t) { return nil, defs.EISDIR }

type fakeFile struct {
	vfs.NopHandle
	data []byte
}

func (f *fakeFile) Name() string                        { return "file" }
func (f *fakeFile) IsDir() bool                         { return false }
func (f *fakeFile) Lookup(string) (vfs.Node, defs.Err_t) { return nil, defs.ENOTDIR }
func (f *fakeFile) Open(int) (vfs.Handle, defs.Err_t)    { return f, defs.Success }
func (f *fakeFile) Read(dst vfs.Userio_i, offset int) (int, defs.Err_t) {
	if offset >= len(f.data) {
		return 0, defs.Success
	}
	return dst.Uiowrite(f.data[offset:])
}

func TestLoadDirectorySkipsDisabledAndGarbageFiles(t *testing.T) {
	dir := &fakeDir{
		ents: []vfs.Dirent_t{{Name: "disabled"}, {Name: "garbage"}},
		files: map[string][]byte{
			"disabled": {0x7f, 'E', 'L', 'F'},
			"garbage":  []byte("not an elf file at all"),
		},
	}
	enabled := func(name string) bool { return name != "disabled" }

	// Must not panic; "disabled" is skipped outright and "garbage" fails
	// ELF parsing and is logged, not registered.
	LoadDirectory(dir, enabled)

	if _, ok := Get("disabled"); ok {
		t.Fatalf("disabled module should not have been registered")
	}
	if _, ok := Get("garbage"); ok {
		t.Fatalf("unparsable file should not have been registered as a module")
	}
}

func TestLoadDirectoryWithoutReaddirSupportSkipsGracefully(t *testing.T) {
	// A plain fakeFile does not implement vfs.Readdir_i.
	LoadDirectory(&fakeFile{}, nil)
}

// TestBootBanner checks the banner lists every registered module and folds
// a fullwidth author string down to its halfwidth form.
func TestBootBanner(t *testing.T) {
	Register("banner-mod", &LoadedModule{Module: &Module{
		Name:   "banner-mod",
		Author: "ＡＣＥ", // fullwidth "ACE"
		Deps:   []string{"banner-dep"},
	}})
	Register("banner-dep", &LoadedModule{Module: &Module{Name: "banner-dep"}})

	var buf bytes.Buffer
	BootBanner(&buf)
	out := buf.String()

	if !strings.Contains(out, "banner-mod") || !strings.Contains(out, "banner-dep") {
		t.Fatalf("banner missing registered module names: %q", out)
	}
	if !strings.Contains(out, "ACE") {
		t.Fatalf("banner did not fold fullwidth author to halfwidth: %q", out)
	}
	if strings.Contains(out, "Ａ") {
		t.Fatalf("banner retained fullwidth form: %q", out)
	}
}
