package kmod

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"golang.org/x/text/width"
)

/// BootBanner writes a column-aligned summary of every registered module
/// (name, author, load state, dependency list) to w, sorted by module
/// name. Module and author strings are passed through
/// width.Fold first: boot files loaded from arbitrary boot media may carry
/// fullwidth-form characters (a vendor's fullwidth ASCII in a name/author
/// string is legal UTF-8 and not unusual on FAT-formatted boot media), and
/// tabwriter's column math counts runes, not display cells, so folding
/// fullwidth forms down to their halfwidth equivalents first keeps the
/// banner's columns visually aligned for the common case instead of only
/// being correct for pure-ASCII names.
func BootBanner(w io.Writer) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tAUTHOR\tLOADED\tDEPENDS")

	pairs := modules.Elems()
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Key.(string) < pairs[j].Key.(string)
	})
	for _, pair := range pairs {
		lm := pair.Value.(*LoadedModule)
		lm.mu.Lock()
		loaded := lm.Loaded
		lm.mu.Unlock()

		name := width.Fold.String(lm.Module.Name)
		author := width.Fold.String(lm.Module.Author)
		deps := "-"
		if len(lm.Module.Deps) > 0 {
			deps = fmt.Sprintf("%v", lm.Module.Deps)
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", name, author, loaded, deps)
	}
	tw.Flush()
}
