package syscall

import (
	"menixgo/defs"
	"menixgo/fd"
	"menixgo/proc"
	"menixgo/stat"
	"menixgo/vfs"
)

func sys_openat(th *proc.Thread_t, pathPtr, flags, mode, a4, a5, a6 int) Result_t {
	p := th.Proc
	pstr, err := p.Vm.Userstr(pathPtr, 4096)
	if err != defs.Success {
		return Result_t{-1, err}
	}

	full := p.Cwd.Canonicalpath(pstr)
	node, err := resolvePath(full.String())
	if err != defs.Success {
		return Result_t{-1, err}
	}

	perms := fd.FD_READ
	if flags&0x1 != 0 {
		perms = fd.FD_WRITE
	} else if flags&0x2 != 0 {
		perms = fd.FD_READ | fd.FD_WRITE
	}

	h, err := node.Open(perms)
	if err != defs.Success {
		return Result_t{-1, err}
	}

	nfd, err := proc.Add_fd(p, &fd.Fd_t{Fops: h, Perms: perms})
	if err != defs.Success {
		h.Close()
		return Result_t{-1, err}
	}
	return Result_t{nfd, defs.Success}
}

func sys_close(th *proc.Thread_t, fdn, a2, a3, a4, a5, a6 int) Result_t {
	if err := proc.Close_fd(th.Proc, fdn); err != defs.Success {
		return Result_t{-1, err}
	}
	return Result_t{0, defs.Success}
}

/// userBuf stages a Read into a kernel buffer so it can be copied into
/// userspace only after the handle reports how much it actually produced.
type userBuf struct {
	buf []uint8
	off int
}

func (u *userBuf) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, u.buf[u.off:])
	u.off += n
	return n, defs.Success
}

func (u *userBuf) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(u.buf[u.off:], src)
	u.off += n
	return n, defs.Success
}

func (u *userBuf) Remain() int  { return len(u.buf) - u.off }
func (u *userBuf) Totalsz() int { return len(u.buf) }

func sys_read(th *proc.Thread_t, fdn, bufPtr, count, a4, a5, a6 int) Result_t {
	f, err := proc.Fd_to_ptr(th.Proc, fdn)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	if count <= 0 {
		return Result_t{0, defs.Success}
	}
	stage := &userBuf{buf: make([]uint8, count)}
	n, err := f.Fops.Read(stage, f.Off)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	if n > 0 {
		if err := th.Proc.Vm.K2user(stage.buf[:n], bufPtr); err != defs.Success {
			return Result_t{-1, err}
		}
	}
	f.Off += n
	return Result_t{n, defs.Success}
}

func sys_write(th *proc.Thread_t, fdn, bufPtr, count, a4, a5, a6 int) Result_t {
	f, err := proc.Fd_to_ptr(th.Proc, fdn)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	if count <= 0 {
		return Result_t{0, defs.Success}
	}
	kbuf, err := th.Proc.Vm.Userdmap8r(bufPtr)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	if count > len(kbuf) {
		count = len(kbuf)
	}
	n, err := f.Fops.Write(vfs.NewSliceUio(kbuf[:count]), f.Off)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	f.Off += n
	return Result_t{n, defs.Success}
}

func sys_stat(th *proc.Thread_t, pathPtr, statPtr, a3, a4, a5, a6 int) Result_t {
	p := th.Proc
	pstr, err := p.Vm.Userstr(pathPtr, 4096)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	full := p.Cwd.Canonicalpath(pstr)
	node, err := resolvePath(full.String())
	if err != defs.Success {
		return Result_t{-1, err}
	}
	h, err := node.Open(fd.FD_READ)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	defer h.Close()

	var st stat.Stat_t
	if err := h.Stat(&st); err != defs.Success {
		return Result_t{-1, err}
	}
	if err := p.Vm.K2user(st.Bytes(), statPtr); err != defs.Success {
		return Result_t{-1, err}
	}
	return Result_t{0, defs.Success}
}

func sys_ioctl(th *proc.Thread_t, fdn, req, arg, a4, a5, a6 int) Result_t {
	f, err := proc.Fd_to_ptr(th.Proc, fdn)
	if err != defs.Success {
		return Result_t{-1, err}
	}
	n, err := f.Fops.Ioctl(uint(req), uintptr(arg))
	if err != defs.Success {
		return Result_t{-1, err}
	}
	return Result_t{n, defs.Success}
}

/// utsFieldLen is the size of each of struct utsname's fixed-size fields;
/// uname copies each field into the caller's buffer back to back.
const utsFieldLen = 65

func sys_uname(th *proc.Thread_t, bufPtr, a2, a3, a4, a5, a6 int) Result_t {
	fields := []string{"menix", "kernel", "1.0.0", "#1", "x86_64"}
	p := th.Proc
	off := bufPtr
	for _, f := range fields {
		b := make([]byte, utsFieldLen)
		copy(b, f)
		if err := p.Vm.K2user(b, off); err != defs.Success {
			return Result_t{-1, err}
		}
		off += utsFieldLen
	}
	return Result_t{0, defs.Success}
}
