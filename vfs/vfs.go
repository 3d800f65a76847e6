// Package vfs declares the contract the kernel expects of an external
// filesystem implementation. No concrete filesystem lives in this repo;
// callers (proc, fd, kmod) only ever hold a Node or Handle obtained from
// whatever VFS is mounted at boot.
package vfs

import "menixgo/defs"
import "menixgo/stat"

/// Userio_i abstracts a user-space buffer so kernel code can copy to/from it
/// without caring whether the source is a real userspace mapping or, in
/// tests, a plain byte slice.
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

/// Handle is the per-open-file operations set, matching the device-file
/// interface: read/write/ioctl plus stat. Implementations default
/// unsupported operations to ENOSYS/ENOTTY, never a panic.
type Handle interface {
	/// Read copies up to dst's remaining length starting at offset.
	Read(dst Userio_i, offset int) (int, defs.Err_t)
	/// Write copies all of src starting at offset.
	Write(src Userio_i, offset int) (int, defs.Err_t)
	/// Ioctl issues a device-specific control request.
	Ioctl(req uint, arg uintptr) (int, defs.Err_t)
	/// Stat fills st with the handle's current metadata.
	Stat(st *stat.Stat_t) defs.Err_t
	/// Reopen increments the handle's reference count for dup/fork.
	Reopen() defs.Err_t
	/// Close drops a reference, releasing backing resources at zero.
	Close() defs.Err_t
}

/// Node is a named entry in the filesystem tree: a file, directory, or
/// symlink. Lookup and Open are the only operations the kernel core needs;
/// a real VFS implementation is free to offer much more.
type Node interface {
	/// Name returns the node's name within its parent directory.
	Name() string
	/// Lookup resolves a single path component relative to this node.
	Lookup(name string) (Node, defs.Err_t)
	/// Open returns a Handle usable for read/write/ioctl with the given
	/// FD_* permission bits.
	Open(perms int) (Handle, defs.Err_t)
	/// IsDir reports whether the node is a directory.
	IsDir() bool
}

/// Dirent_t names one entry as returned by a directory listing.
type Dirent_t struct {
	Name string
}

/// Readdir_i is implemented by directory Nodes capable of enumerating their
/// children. Not every Node need satisfy it (a plain file certainly does
/// not); its one caller, kmod's boot-time module scan, type-asserts and
/// treats a missing implementation the same as an empty directory.
type Readdir_i interface {
	Readdir() ([]Dirent_t, defs.Err_t)
}

// Default ENOSYS/ENOTTY stubs a Handle implementation can embed to satisfy
// operations it does not support, matching the "default implementations
// return ENOSYS/ENOTTY" external-interface contract.

/// SliceUio adapts a plain byte slice to Userio_i, for kernel-internal
/// callers (eager file-backed mapping population, tests) that have no real
/// userspace buffer to copy through.
type SliceUio struct {
	buf []uint8
	off int
}

/// NewSliceUio wraps buf for use as a Userio_i.
func NewSliceUio(buf []uint8) *SliceUio {
	return &SliceUio{buf: buf}
}

func (s *SliceUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, s.buf[s.off:])
	s.off += n
	return n, defs.Success
}

func (s *SliceUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(s.buf[s.off:], src)
	s.off += n
	return n, defs.Success
}

func (s *SliceUio) Remain() int   { return len(s.buf) - s.off }
func (s *SliceUio) Totalsz() int { return len(s.buf) }

/// NopHandle implements Handle with Read, Write and Stat failing ENOSYS,
/// Ioctl failing ENOTTY, and Reopen and Close succeeding, for embedding into
/// handles that only support a subset of operations.
type NopHandle struct{}

func (NopHandle) Read(Userio_i, int) (int, defs.Err_t)  { return 0, defs.ENOSYS }
func (NopHandle) Write(Userio_i, int) (int, defs.Err_t) { return 0, defs.ENOSYS }
func (NopHandle) Ioctl(uint, uintptr) (int, defs.Err_t) { return 0, defs.ENOTTY }
func (NopHandle) Stat(*stat.Stat_t) defs.Err_t          { return defs.ENOSYS }
func (NopHandle) Reopen() defs.Err_t                    { return defs.Success }
func (NopHandle) Close() defs.Err_t                     { return defs.Success }
