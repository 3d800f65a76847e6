// Package tinfo tracks the kernel-side state attached to the goroutine
// that stands in for a running thread: is it alive, has it been killed,
// and the condition variable used to wait for its termination. Each
// kernel thread (proc.Thread_t) carries a Tnote_t; SetCurrent installs a
// note as the calling goroutine's current one and ClearCurrent removes it
// (the scheduler calls neither), mirroring the "errno on the
// Thread descriptor, accessed through current_thread()" rule: here the
// descriptor is the Tnote_t and "current" is keyed by goroutine identity
// rather than a register trick, since this rendition has no patched
// runtime to stash a pointer in.
package tinfo

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"menixgo/defs"
)

/// Tnote_t stores per-thread state used by the runtime.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

/// Threadinfo_t tracks all thread notes.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

var curLock sync.Mutex
var current = make(map[uint64]*Tnote_t)

// goid extracts the calling goroutine's runtime id by parsing the header
// line of a stack dump ("goroutine 123 [running]:"). This is the
// conventional Go-idiomatic way to key goroutine-local state without a
// patched runtime; it costs a small allocation per call and is only called
// from Current, SetCurrent and ClearCurrent.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		panic("tinfo: unexpected stack header")
	}
	b = b[len(prefix):]
	sp := bytes.IndexByte(b, ' ')
	if sp < 0 {
		panic("tinfo: unexpected stack header")
	}
	id, err := strconv.ParseUint(string(b[:sp]), 10, 64)
	if err != nil {
		panic("tinfo: unparseable goroutine id")
	}
	return id
}

/// Current returns the current goroutine's thread note.
func Current() *Tnote_t {
	curLock.Lock()
	defer curLock.Unlock()
	t, ok := current[goid()]
	if !ok {
		panic("nuts")
	}
	return t
}

/// SetCurrent installs p as the current goroutine's thread note.
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("nuts")
	}
	curLock.Lock()
	defer curLock.Unlock()
	id := goid()
	if _, ok := current[id]; ok {
		panic("nuts")
	}
	current[id] = p
}

/// ClearCurrent removes the current goroutine's thread note.
func ClearCurrent() {
	curLock.Lock()
	defer curLock.Unlock()
	id := goid()
	if _, ok := current[id]; !ok {
		panic("nuts")
	}
	delete(current, id)
}
