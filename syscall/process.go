package syscall

import (
	"menixgo/defs"
	"menixgo/proc"
	"menixgo/vfs"
)

func sys_exit(th *proc.Thread_t, status, a2, a3, a4, a5, a6 int) Result_t {
	proc.Kill(th.Proc, status, th.Tid)
	return Result_t{0, defs.Success}
}

func sys_fork(th *proc.Thread_t, a1, a2, a3, a4, a5, a6 int) Result_t {
	pid, err := proc.Fork(th.Proc, th)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	return Result_t{int(pid), defs.Success}
}

/// RootNode is the root of whatever VFS is mounted. resolvePath looks up an
/// absolute, canonical path starting from it; execve, openat and stat share
/// resolvePath so the kernel has one path-walk implementation.
var RootNode vfs.Node

func resolvePath(path string) (vfs.Node, defs.Err_t) {
	if RootNode == nil {
		return nil, defs.ENOENT
	}
	n := RootNode
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		comp := path[start:i]
		start = i + 1
		if comp == "" {
			continue
		}
		next, err := n.Lookup(comp)
		if err != defs.Success {
			return nil, err
		}
		n = next
	}
	return n, defs.Success
}

func sys_execve(th *proc.Thread_t, pathPtr, argvPtr, envpPtr, a4, a5, a6 int) Result_t {
	path, err := th.Proc.Vm.Userstr(pathPtr, 4096)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	argv, err := readStrArray(th.Proc, argvPtr)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	envp, err := readStrArray(th.Proc, envpPtr)
	if err != defs.Success {
		return Result_t{-1, err}
	}

	node, err := resolvePath(path.String())
	if err != defs.Success {
		return Result_t{-1, err}
	}
	h, err := node.Open(0)
	if err != defs.Success {
		return Result_t{-1, err}
	}

	if err := proc.Execve(th.Proc, th, h, argv, envp); err != defs.Success {
		return Result_t{-1, err}
	}
	return Result_t{0, defs.Success}
}

/// readStrArray walks a NULL-terminated array of NULL-terminated userspace
/// string pointers, as execve's argv/envp are passed.
func readStrArray(p *proc.Process_t, uva int) ([]string, defs.Err_t) {
	if uva == 0 {
		return nil, defs.Success
	}
	var out []string
	for i := 0; ; i++ {
		ptr, err := p.Vm.Userreadn(uva+i*8, 8)
		if err != defs.Success {
			return nil, err
		}
		if ptr == 0 {
			return out, defs.Success
		}
		s, err := p.Vm.Userstr(ptr, 4096)
		if err != defs.Success {
			return nil, err
		}
		out = append(out, s.String())
	}
}

func sys_kill(th *proc.Thread_t, pid, sig, a3, a4, a5, a6 int) Result_t {
	target, ok := proc.Find(defs.Pid_t(pid))
	if !ok {
		return Result_t{-1, defs.ESRCH}
	}
	proc.Kill(target, 128+sig, 0)
	return Result_t{0, defs.Success}
}

func sys_getpid(th *proc.Thread_t, a1, a2, a3, a4, a5, a6 int) Result_t {
	return Result_t{int(th.Proc.Pid), defs.Success}
}

/// sys_waitpid implements waitpid by scanning the caller's own Children
/// list for a dead entry: Kill never removes a victim from its parent's
/// Children slice, only reparents the victim's own children, so a reaped
/// child stays discoverable here until its parent collects it.
func sys_waitpid(th *proc.Thread_t, pid, statusPtr, options, a4, a5, a6 int) Result_t {
	p := th.Proc
	p.Lock()
	defer p.Unlock()

	for i, c := range p.Children {
		if pid != -1 && int(c.Pid) != pid {
			continue
		}
		c.Lock()
		dead := c.State == proc.PDEAD
		rc := c.Rc
		cpid := c.Pid
		c.Unlock()
		if !dead {
			continue
		}
		p.Children = append(p.Children[:i:i], p.Children[i+1:]...)
		if statusPtr != 0 {
			if err := p.Vm.Userwriten(statusPtr, 8, rc); err != defs.Success {
				return Result_t{-1, err}
			}
		}
		return Result_t{int(cpid), defs.Success}
	}
	return Result_t{-1, defs.ECHILD}
}
