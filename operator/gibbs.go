package operator

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/phymc/dist"
	"bitbucket.org/Davydov/phymc/prior"
	"bitbucket.org/Davydov/phymc/trait"
)

// PrecisionGibbs draws the precision matrix of a Brownian diffusion
// from its Wishart posterior. With a Wishart(df, V) prior and the
// sufficient statistic S over n branches the posterior is
// Wishart(df + n, (V^-1 + S)^-1).
type PrecisionGibbs struct {
	base
	bm     *trait.Brownian
	prior  *prior.WishartPrior
	vInv   *mat.SymDense
	values []float64
}

// NewPrecisionGibbs creates a precision Gibbs operator. The prior has
// to be the only prior on the precision.
func NewPrecisionGibbs(bm *trait.Brownian, p *prior.WishartPrior, weight float64) (*PrecisionGibbs, error) {
	vInv, err := dist.SymInverse(p.Scale())
	if err != nil {
		return nil, err
	}
	return &PrecisionGibbs{
		base:   newBase("precisionGibbs("+bm.Precision().ID()+")", weight),
		bm:     bm,
		prior:  p,
		vInv:   vInv,
		values: make([]float64, p.Dim()*p.Dim()),
	}, nil
}

// IsGibbs returns true.
func (o *PrecisionGibbs) IsGibbs() bool {
	return true
}

// Propose sets the precision to a posterior draw.
func (o *PrecisionGibbs) Propose(rng *rand.Rand) (float64, error) {
	s, n := o.bm.SufficientStatistic()
	s.AddSym(s, o.vInv)
	scale, err := dist.SymInverse(s)
	if err != nil {
		return 0, reject(o.name, "singular posterior scale", err)
	}
	draw, err := dist.Wishart(o.prior.DF()+float64(n), scale, rng)
	if err != nil {
		return 0, reject(o.name, "invalid draw", err)
	}
	d := o.prior.Dim()
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			o.values[i*d+j] = draw.At(i, j)
		}
	}
	if err := o.bm.Precision().SetValues(o.values); err != nil {
		return 0, reject(o.name, "cannot set precision", err)
	}
	return 0, nil
}
