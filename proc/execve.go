package proc

import (
	"menixgo/defs"
	"menixgo/elf"
	"menixgo/fd"
	"menixgo/util"
	"menixgo/vfs"
	"menixgo/vm"
)

// Auxv type constants, matching the System V ABI auxiliary vector.
const (
	AT_NULL  = 0
	AT_PHDR  = 3
	AT_PHENT = 4
	AT_PHNUM = 5
	AT_BASE  = 7
	AT_ENTRY = 9
)

/// LoadBase is the fixed virtual address the main image is loaded at.
/// ET_EXEC images carry their own absolute addresses and ignore it; ET_DYN
/// images (including every module, see package kmod) are relocatable and
/// use it as their load bias.
const LoadBase = 0x400000

/// InterpBase is the fixed address an ELF interpreter is loaded at, distinct
/// from LoadBase so the two images' segments never overlap.
const InterpBase = 0x7f0000000000

/// UserStackTop is the highest address of a fresh process's stack.
const UserStackTop = 0x7ffffffff000

/// UserStackSize is how much of the address space below UserStackTop is
/// reserved for the stack.
const UserStackSize = 256 * 1024

/// ResolveInterp looks up an interpreter path to a Handle; proc has no VFS
/// of its own (out of scope, see the vfs package contract), so whatever
/// concrete filesystem is mounted at boot installs this hook.
var ResolveInterp func(path string) (vfs.Handle, defs.Err_t)

/// Execve performs execve in place on p: it resolves path (already opened
/// by the caller, since path resolution is the VFS's job) and loads it into
/// a brand new address space, replacing p's old one only after the new
/// image is fully built. th is the calling thread, whose context is
/// re-initialized to enter at the new program's entry point. Descriptors
/// marked FD_CLOEXEC are closed once the new image is installed; all others
/// stay open.
func Execve(p *Process_t, th *Thread_t, exe vfs.Handle, argv, envp []string) defs.Err_t {
	pm, p_pm, ok := vm.Page_map_new()
	if !ok {
		return defs.ENOMEM
	}
	newVm := &vm.Vm_t{Pmap: pm, P_pmap: p_pm}

	img, err := elf.LoadImage(newVm, exe, LoadBase)
	if err != defs.Success {
		vm.Page_map_destroy(newVm)
		return defs.ENOEXEC
	}

	interpBase := 0
	if img.Interpreter != "" {
		if ResolveInterp == nil {
			vm.Page_map_destroy(newVm)
			return defs.ENOEXEC
		}
		ih, ierr := ResolveInterp(img.Interpreter)
		if ierr != defs.Success {
			vm.Page_map_destroy(newVm)
			return defs.ENOENT
		}
		interpImg, lerr := elf.LoadImage(newVm, ih, InterpBase)
		if lerr != defs.Success {
			vm.Page_map_destroy(newVm)
			return defs.ENOEXEC
		}
		interpBase = InterpBase
		img.Entry = interpImg.Entry
	}

	stackBase := util.Rounddown(UserStackTop-UserStackSize, vm.PGSIZE)
	if serr := newVm.Vmadd_anon(stackBase, UserStackSize, vm.PTE_U|vm.PTE_W); serr != defs.Success {
		vm.Page_map_destroy(newVm)
		return serr
	}

	sp, serr := BuildInitialStack(newVm, UserStackTop, argv, envp, img, interpBase)
	if serr != defs.Success {
		vm.Page_map_destroy(newVm)
		return serr
	}

	oldVm := p.Vm
	p.Lock()
	p.Vm = newVm
	p.MapBase = LoadBase
	p.StackTop = UserStackTop
	p.Unlock()
	if oldVm != nil {
		vm.Page_map_destroy(oldVm)
	}

	p.FdLock.Lock()
	for i, f := range p.Fds {
		if f != nil && f.Perms&fd.FD_CLOEXEC != 0 {
			f.Fops.Close()
			p.Fds[i] = nil
		}
	}
	p.FdLock.Unlock()

	th.Lock()
	th.Ctx = Ctx_t{}
	th.Ctx.Rip = uintptr(img.Entry)
	th.Ctx.Rsp = uintptr(sp)
	th.Unlock()

	return defs.Success
}

type auxent_t struct {
	Type int
	Val  int
}

/// BuildInitialStack lays out a fresh process's initial stack exactly as
/// the envp-then-argv-string, 16-byte-align, auxv/envp/argv-pointer-array,
/// argc sequence described for execve: at the returned stack pointer, the
/// first words are argc, argv[0..], a NULL argv terminator, envp pointers,
/// a NULL envp terminator, then the auxv vector ending in AT_NULL.
func BuildInitialStack(as *vm.Vm_t, top int, argv, envp []string, img elf.Image_t, interpBase int) (int, defs.Err_t) {
	sp := top

	writeStr := func(s string) defs.Err_t {
		b := append([]byte(s), 0)
		sp -= len(b)
		return as.K2user(b, sp)
	}

	envpAddrs := make([]int, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		if err := writeStr(envp[i]); err != defs.Success {
			return 0, err
		}
		envpAddrs[i] = sp
	}
	argvAddrs := make([]int, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		if err := writeStr(argv[i]); err != defs.Success {
			return 0, err
		}
		argvAddrs[i] = sp
	}

	sp = util.Rounddown(sp, 16)

	push := func(v int) defs.Err_t {
		sp -= 8
		return as.Userwriten(sp, 8, v)
	}

	var auxv []auxent_t
	if img.PhdrVaddr != 0 {
		auxv = append(auxv,
			auxent_t{AT_PHDR, img.PhdrVaddr},
			auxent_t{AT_PHENT, img.Phentsize},
			auxent_t{AT_PHNUM, img.Phnum},
		)
	}
	auxv = append(auxv, auxent_t{AT_ENTRY, img.Entry})
	if interpBase != 0 {
		auxv = append(auxv, auxent_t{AT_BASE, interpBase})
	}

	// AT_NULL terminator first: pushed first, it ends up at the highest
	// address of the auxv block, directly below the envp pointer array.
	if err := push(AT_NULL); err != defs.Success {
		return 0, err
	}
	if err := push(AT_NULL); err != defs.Success {
		return 0, err
	}
	for i := len(auxv) - 1; i >= 0; i-- {
		if err := push(auxv[i].Val); err != defs.Success {
			return 0, err
		}
		if err := push(auxv[i].Type); err != defs.Success {
			return 0, err
		}
	}

	if err := push(0); err != defs.Success { // envp terminator
		return 0, err
	}
	for i := len(envpAddrs) - 1; i >= 0; i-- {
		if err := push(envpAddrs[i]); err != defs.Success {
			return 0, err
		}
	}

	if err := push(0); err != defs.Success { // argv terminator
		return 0, err
	}
	for i := len(argvAddrs) - 1; i >= 0; i-- {
		if err := push(argvAddrs[i]); err != defs.Success {
			return 0, err
		}
	}

	if err := push(len(argv)); err != defs.Success { // argc
		return 0, err
	}

	return sp, defs.Success
}
