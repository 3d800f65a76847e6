package bpath

import (
	"testing"

	"menixgo/ustr"
)

func TestCanonicalizeCollapsesDotAndDotDot(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/a/b/c", "/a/b/c"},
		{"/a/./b", "/a/b"},
		{"/a/b/../c", "/a/c"},
		{"/a//b", "/a/b"},
		{"/../a", "/a"},
		{"/a/b/..", "/a"},
		{"/", "/"},
	}
	for _, c := range cases {
		got := Canonicalize(ustr.MkUstrSlice([]byte(c.in))).String()
		if got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
