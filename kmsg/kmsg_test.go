package kmsg

import (
	"strings"
	"testing"

	"menixgo/defs"
	"menixgo/mem"
	"menixgo/stat"
	"menixgo/vfs"
)

func setup(t *testing.T) {
	t.Helper()
	mem.Phys_init([]mem.Region_t{{Base: 0, Len: 8 * 1024 * 1024, Usage: mem.Free}})
}

func TestRecordThenReadRoundTrips(t *testing.T) {
	setup(t)
	d := New(mem.Physmem, 0)

	d.Record("hello")
	d.Record("world")

	out := make([]byte, 4096)
	n, errno := d.Read(vfs.NewSliceUio(out), 0)
	if errno != defs.Success {
		t.Fatalf("Read: %v", errno)
	}
	got := string(out[:n])
	if !strings.Contains(got, "hello\n") || !strings.Contains(got, "world\n") {
		t.Fatalf("Read() = %q, want both recorded lines", got)
	}
}

func TestStatReportsDstatMajor(t *testing.T) {
	setup(t)
	d := New(mem.Physmem, 3)

	var st stat.Stat_t
	if errno := d.Stat(&st); errno != defs.Success {
		t.Fatalf("Stat: %v", errno)
	}
	maj, min := defs.Unmkdev(st.Rdev())
	if maj != defs.D_STAT || min != 3 {
		t.Fatalf("Unmkdev(Rdev()) = (%d, %d), want (%d, 3)", maj, min, defs.D_STAT)
	}
}

func TestRecordOverwritesOldestWhenFull(t *testing.T) {
	setup(t)
	d := New(mem.Physmem, 0)

	long := strings.Repeat("x", mem.PGSIZE-1)
	d.Record(long)
	d.Record("tail")

	out := make([]byte, mem.PGSIZE)
	n, errno := d.Read(vfs.NewSliceUio(out), 0)
	if errno != defs.Success {
		t.Fatalf("Read: %v", errno)
	}
	if !strings.HasSuffix(strings.TrimRight(string(out[:n]), "\n"), "tail") {
		t.Fatalf("Read() = %q, want it to end with the most recent record", out[:n])
	}
}

func TestWriteIsUnsupported(t *testing.T) {
	setup(t)
	d := New(mem.Physmem, 0)
	if _, errno := d.Write(vfs.NewSliceUio([]byte("nope")), 0); errno != defs.ENOSYS {
		t.Fatalf("Write() = %v, want ENOSYS", errno)
	}
}

func TestOpenReturnsSelf(t *testing.T) {
	setup(t)
	d := New(mem.Physmem, 0)
	h, errno := d.Open(0)
	if errno != defs.Success {
		t.Fatalf("Open: %v", errno)
	}
	if h != vfs.Handle(d) {
		t.Fatalf("Open() returned a different handle than the device itself")
	}
}
