// Package syscall implements the kernel-internal system-call entry point:
// a stable-numbered dispatch table, SysV-kernel register argument
// extraction, and the handlers themselves. It is unrelated to (and never
// imported alongside without the "menixgo/" prefix to disambiguate from)
// the standard library's own syscall package.
package syscall

import (
	"os"

	"github.com/rs/zerolog"

	"menixgo/defs"
	"menixgo/proc"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Str("subsys", "syscall").Logger()

// Stable syscall numbers. This is an open-set numbering: new syscalls are
// appended, never renumbered, so a userspace binary's idea of a number
// stays valid across kernel builds. mkdirat and setgid collided at the same
// number in the source this kernel was distilled from; mkdirat keeps the
// catalog's explicit entry and setgid is simply not assigned one (ENOSYS).
const (
	SYS_EXIT = iota
	SYS_FORK
	SYS_EXECVE
	SYS_KILL
	SYS_GETPID
	SYS_WAITPID

	SYS_MMAP
	SYS_MPROTECT
	SYS_MUNMAP
	SYS_MREMAP

	SYS_OPENAT
	SYS_CLOSE
	SYS_READ
	SYS_WRITE
	SYS_SEEK
	SYS_STAT
	SYS_READDIR
	SYS_IOCTL
	SYS_MKDIRAT
	SYS_UNLINKAT
	SYS_CHDIR
	SYS_FCHDIR
	SYS_CHROOT
	SYS_MOUNT
	SYS_UNMOUNT
	SYS_CHMODAT
	SYS_CHOWNAT
	SYS_LINKAT
	SYS_READLINKAT
	SYS_RENAME
	SYS_FACCESSAT
	SYS_FCNTL
	SYS_POLL
	SYS_ISATTY
	SYS_UMASK

	SYS_SIGPROCMASK
	SYS_SIGSUSPEND
	SYS_SIGPENDING
	SYS_SIGACTION
	SYS_SIGRETURN
	SYS_SIGTIMEDWAIT

	SYS_SOCKET
	SYS_SOCKETPAIR
	SYS_BIND
	SYS_CONNECT
	SYS_ACCEPT
	SYS_LISTEN
	SYS_GETPEERNAME
	SYS_GETSOCKNAME
	SYS_GETSOCKOPT
	SYS_SETSOCKOPT
	SYS_RECVMSG
	SYS_SENDMSG
	SYS_SETHOSTNAME

	SYS_FUTEX_WAIT
	SYS_FUTEX_WAKE

	SYS_UNAME
	SYS_ARCHCTL

	NSYSCALLS
)

/// Result_t is what a handler returns: the value/errno pair the entry stub
/// places into (rax, rdx).
type Result_t struct {
	Value int
	Err   defs.Err_t
}

/// Fn_t is a syscall handler, given the calling thread and its six
/// SysV-kernel-order arguments.
type Fn_t func(th *proc.Thread_t, a1, a2, a3, a4, a5, a6 int) Result_t

type entry_t struct {
	fn   Fn_t
	name string
}

var table [NSYSCALLS]entry_t

func register(num int, name string, fn Fn_t) {
	table[num] = entry_t{fn: fn, name: name}
}

func notImplemented(name string) Fn_t {
	return func(th *proc.Thread_t, a1, a2, a3, a4, a5, a6 int) Result_t {
		log.Debug().Str("syscall", name).Msg("not implemented")
		return Result_t{-1, defs.ENOSYS}
	}
}

func init() {
	register(SYS_EXIT, "exit", sys_exit)
	register(SYS_FORK, "fork", sys_fork)
	register(SYS_EXECVE, "execve", sys_execve)
	register(SYS_KILL, "kill", sys_kill)
	register(SYS_GETPID, "getpid", sys_getpid)
	register(SYS_WAITPID, "waitpid", sys_waitpid)

	register(SYS_MMAP, "mmap", sys_mmap)
	register(SYS_MPROTECT, "mprotect", sys_mprotect)
	register(SYS_MUNMAP, "munmap", sys_munmap)
	register(SYS_MREMAP, "mremap", notImplemented("mremap"))

	register(SYS_OPENAT, "openat", sys_openat)
	register(SYS_CLOSE, "close", sys_close)
	register(SYS_READ, "read", sys_read)
	register(SYS_WRITE, "write", sys_write)
	register(SYS_SEEK, "seek", notImplemented("seek"))
	register(SYS_STAT, "stat", sys_stat)
	register(SYS_READDIR, "readdir", notImplemented("readdir"))
	register(SYS_IOCTL, "ioctl", sys_ioctl)
	register(SYS_MKDIRAT, "mkdirat", notImplemented("mkdirat"))
	register(SYS_UNLINKAT, "unlinkat", notImplemented("unlinkat"))
	register(SYS_CHDIR, "chdir", notImplemented("chdir"))
	register(SYS_FCHDIR, "fchdir", notImplemented("fchdir"))
	register(SYS_CHROOT, "chroot", notImplemented("chroot"))
	register(SYS_MOUNT, "mount", notImplemented("mount"))
	register(SYS_UNMOUNT, "unmount", notImplemented("unmount"))
	register(SYS_CHMODAT, "chmodat", notImplemented("chmodat"))
	register(SYS_CHOWNAT, "chownat", notImplemented("chownat"))
	register(SYS_LINKAT, "linkat", notImplemented("linkat"))
	register(SYS_READLINKAT, "readlinkat", notImplemented("readlinkat"))
	register(SYS_RENAME, "rename", notImplemented("rename"))
	register(SYS_FACCESSAT, "faccessat", notImplemented("faccessat"))
	register(SYS_FCNTL, "fcntl", notImplemented("fcntl"))
	register(SYS_POLL, "poll", notImplemented("poll"))
	register(SYS_ISATTY, "isatty", notImplemented("isatty"))
	register(SYS_UMASK, "umask", notImplemented("umask"))

	register(SYS_SIGPROCMASK, "sigprocmask", notImplemented("sigprocmask"))
	register(SYS_SIGSUSPEND, "sigsuspend", notImplemented("sigsuspend"))
	register(SYS_SIGPENDING, "sigpending", notImplemented("sigpending"))
	register(SYS_SIGACTION, "sigaction", notImplemented("sigaction"))
	register(SYS_SIGRETURN, "sigreturn", notImplemented("sigreturn"))
	register(SYS_SIGTIMEDWAIT, "sigtimedwait", notImplemented("sigtimedwait"))

	register(SYS_SOCKET, "socket", notImplemented("socket"))
	register(SYS_SOCKETPAIR, "socketpair", notImplemented("socketpair"))
	register(SYS_BIND, "bind", notImplemented("bind"))
	register(SYS_CONNECT, "connect", notImplemented("connect"))
	register(SYS_ACCEPT, "accept", notImplemented("accept"))
	register(SYS_LISTEN, "listen", notImplemented("listen"))
	register(SYS_GETPEERNAME, "getpeername", notImplemented("getpeername"))
	register(SYS_GETSOCKNAME, "getsockname", notImplemented("getsockname"))
	register(SYS_GETSOCKOPT, "getsockopt", notImplemented("getsockopt"))
	register(SYS_SETSOCKOPT, "setsockopt", notImplemented("setsockopt"))
	register(SYS_RECVMSG, "recvmsg", notImplemented("recvmsg"))
	register(SYS_SENDMSG, "sendmsg", notImplemented("sendmsg"))
	register(SYS_SETHOSTNAME, "sethostname", notImplemented("sethostname"))

	register(SYS_FUTEX_WAIT, "futex_wait", notImplemented("futex_wait"))
	register(SYS_FUTEX_WAKE, "futex_wake", notImplemented("futex_wake"))

	register(SYS_UNAME, "uname", sys_uname)
	register(SYS_ARCHCTL, "archctl", notImplemented("archctl"))
}
