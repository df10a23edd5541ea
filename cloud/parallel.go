package cloud

import (
	"golang.org/x/sync/errgroup"
)

// minChunk keeps tiny inputs from being split across goroutines
const minChunk = 64

// parallelFor calls fn(i) for every i in [0, n) using up to workers
// goroutines. Each call must only write state owned by index i. When calls
// fail, the error from the lowest index is returned regardless of scheduling.
func parallelFor(n, workers int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	if workers <= 1 || n <= minChunk {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}
	chunks := (n + chunk - 1) / chunk
	errs := make([]error, chunks)

	var g errgroup.Group
	g.SetLimit(workers)
	for c := 0; c < chunks; c++ {
		start := c * chunk
		end := min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := fn(i); err != nil {
					errs[c] = err
					return err
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
