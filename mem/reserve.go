package mem

import "golang.org/x/sync/errgroup"

/// ReserveForCpus concurrently carves out pagesPerCpu freshly zeroed frames
/// for each of ncpus logical cores (their boot-time per-CPU scratch pages),
/// one errgroup goroutine per core. Every reservation still serializes on
/// the bitmap's own lock; the concurrency here overlaps the zeroing and
/// bookkeeping work around each allocation, not the bitmap scan itself.
/// Each returned frame holds one reference.
func (phys *Physmem_t) ReserveForCpus(ncpus, pagesPerCpu int) ([][]Pa_t, error) {
	out := make([][]Pa_t, ncpus)
	var g errgroup.Group
	for i := 0; i < ncpus; i++ {
		i := i
		g.Go(func() error {
			frames := make([]Pa_t, 0, pagesPerCpu)
			for j := 0; j < pagesPerCpu; j++ {
				_, p_pg, ok := phys.Refpg_new()
				if !ok {
					for _, f := range frames {
						phys.Refdown(f)
					}
					return errOom
				}
				phys.Refup(p_pg)
				frames = append(frames, p_pg)
			}
			out[i] = frames
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, frames := range out {
			for _, f := range frames {
				phys.Refdown(f)
			}
		}
		return nil, err
	}
	return out, nil
}

type oomError struct{}

func (oomError) Error() string { return "mem: out of physical frames" }

var errOom = oomError{}
