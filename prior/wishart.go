package prior

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmat"

	"bitbucket.org/Davydov/phymc/model"
)

// SymFromParameter reads a d x d symmetric matrix stored row-major
// in a parameter. The upper triangle is used.
func SymFromParameter(p *model.Parameter, d int) *mat.SymDense {
	s := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			s.SetSym(i, j, p.Value(i*d+j))
		}
	}
	return s
}

// WishartPrior is a Wishart density of a precision matrix.
type WishartPrior struct {
	Precision *model.Parameter
	dim       int
	w         *distmat.Wishart
	df        float64
	scale     *mat.SymDense
}

// NewWishartPrior creates a Wishart prior with df degrees of freedom
// and the scale matrix. The precision parameter has to have d*d
// values.
func NewWishartPrior(precision *model.Parameter, df float64, scale mat.Symmetric) (*WishartPrior, error) {
	d := scale.SymmetricDim()
	if precision.Dim() != d*d {
		return nil, fmt.Errorf("precision %s has %d values, expected %d", precision.ID(), precision.Dim(), d*d)
	}
	if df <= float64(d-1) {
		return nil, fmt.Errorf("wishart degrees of freedom %v should be > %d", df, d-1)
	}
	sc := mat.NewSymDense(d, nil)
	sc.CopySym(scale)
	w, ok := distmat.NewWishart(sc, df, nil)
	if !ok {
		return nil, fmt.Errorf("wishart scale matrix is not positive definite")
	}
	return &WishartPrior{
		Precision: precision,
		dim:       d,
		w:         w,
		df:        df,
		scale:     sc,
	}, nil
}

// Dim returns the matrix dimension.
func (p *WishartPrior) Dim() int {
	return p.dim
}

// DF returns the degrees of freedom.
func (p *WishartPrior) DF() float64 {
	return p.df
}

// Scale returns the scale matrix. It must not be modified.
func (p *WishartPrior) Scale() *mat.SymDense {
	return p.scale
}

// LogPrior returns the log density of the precision matrix, -Inf if
// it is not positive definite.
func (p *WishartPrior) LogPrior() float64 {
	return p.w.LogProbSym(SymFromParameter(p.Precision, p.dim))
}
