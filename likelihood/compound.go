package likelihood

import (
	"golang.org/x/sync/errgroup"
)

// Compound is the sum of independent partition likelihoods. The
// partitions are evaluated concurrently.
type Compound struct {
	parts []*TreeLikelihood
	res   []float64
}

// NewCompound creates a compound likelihood.
func NewCompound(parts ...*TreeLikelihood) *Compound {
	return &Compound{parts: parts, res: make([]float64, len(parts))}
}

// Parts returns the partition likelihoods.
func (c *Compound) Parts() []*TreeLikelihood {
	return c.parts
}

// LogLikelihood evaluates every partition and returns the sum.
func (c *Compound) LogLikelihood() (float64, error) {
	if len(c.parts) == 1 {
		return c.parts[0].LogLikelihood()
	}
	for _, p := range c.parts {
		p.prepare()
	}
	var g errgroup.Group
	for i, p := range c.parts {
		i, p := i, p
		g.Go(func() error {
			l, err := p.LogLikelihood()
			c.res[i] = l
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	sum := 0.0
	for _, l := range c.res {
		sum += l
	}
	return sum, nil
}

// Recompute forces full recomputation of every partition.
func (c *Compound) Recompute() (float64, error) {
	for _, p := range c.parts {
		p.MakeDirty()
	}
	return c.LogLikelihood()
}
