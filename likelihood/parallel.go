package likelihood

import (
	"runtime"
	"sync"
)

// Parallel is the CPU backend which splits patterns of every peeling
// operation between goroutines.
type Parallel struct {
	*CPU
	workers int
}

// NewParallel creates a parallel backend. If workers is not positive,
// GOMAXPROCS workers are used.
func NewParallel(workers int) *Parallel {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Parallel{CPU: NewCPU(), workers: workers}
}

// UpdatePartials performs peeling operations in order, every
// operation is split into pattern ranges computed concurrently.
func (b *Parallel) UpdatePartials(ops []Operation) error {
	chunk := (b.patternCount + b.workers - 1) / b.workers
	if chunk < 1 {
		chunk = 1
	}
	for _, op := range ops {
		if err := b.check(op); err != nil {
			return err
		}
		dst, scale := b.dest(op.Dest)
		var wg sync.WaitGroup
		for from := 0; from < b.patternCount; from += chunk {
			to := from + chunk
			if to > b.patternCount {
				to = b.patternCount
			}
			wg.Add(1)
			go func(from, to int) {
				defer wg.Done()
				b.peel(op, dst, scale, from, to)
			}(from, to)
		}
		wg.Wait()
	}
	return nil
}
