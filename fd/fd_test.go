package fd

import (
	"testing"

	"menixgo/defs"
	"menixgo/ustr"
	"menixgo/vfs"
)

func TestCopyfdReopensAndDuplicates(t *testing.T) {
	orig := &Fd_t{Fops: vfs.NopHandle{}, Perms: FD_READ, Off: 42}
	dup, err := Copyfd(orig)
	if err != defs.Success {
		t.Fatalf("Copyfd failed: %v", err)
	}
	if dup == orig {
		t.Fatalf("Copyfd returned the same *Fd_t instance")
	}
	if dup.Perms != orig.Perms || dup.Off != orig.Off {
		t.Fatalf("Copyfd did not preserve Perms/Off: got %+v, want %+v", dup, orig)
	}
}

func TestCwdFullpathAndCanonicalpath(t *testing.T) {
	cwd := MkRootCwd(&Fd_t{Fops: vfs.NopHandle{}})
	cwd.Path = ustr.MkUstrSlice([]byte("/home/user"))

	rel := ustr.MkUstrSlice([]byte("docs/file.txt"))
	full := cwd.Fullpath(rel)
	if full.String() != "/home/user/docs/file.txt" {
		t.Fatalf("Fullpath(relative) = %q, want /home/user/docs/file.txt", full.String())
	}

	abs := ustr.MkUstrSlice([]byte("/etc/passwd"))
	if got := cwd.Fullpath(abs); got.String() != "/etc/passwd" {
		t.Fatalf("Fullpath(absolute) = %q, want it returned unchanged", got.String())
	}

	canon := cwd.Canonicalpath(ustr.MkUstrSlice([]byte("../user2/./x")))
	if canon.String() != "/home/user2/x" {
		t.Fatalf("Canonicalpath = %q, want /home/user2/x", canon.String())
	}
}
