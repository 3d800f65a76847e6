// Package bpath canonicalizes absolute paths: it collapses "." and "//"
// components and resolves ".." against the components seen so far, without
// touching the filesystem. Callers (fd.Cwd_t) use it to turn a
// cwd-relative lookup into the canonical absolute path the VFS expects.
package bpath

import "menixgo/ustr"

/// Canonicalize resolves "." and ".." components of an absolute path,
/// returning a new absolute Ustr with no redundant separators.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	out := make([]ustr.Ustr, 0, 8)
	start := 0
	for i := 0; i <= len(p); i++ {
		if i < len(p) && p[i] != '/' {
			continue
		}
		comp := p[start:i]
		start = i + 1
		if len(comp) == 0 || comp.Isdot() {
			continue
		}
		if comp.Isdotdot() {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, comp)
	}
	ret := ustr.MkUstrRoot()
	for _, comp := range out {
		ret = append(ret, comp...)
		ret = append(ret, '/')
	}
	if len(ret) > 1 {
		ret = ret[:len(ret)-1]
	}
	return ret
}
