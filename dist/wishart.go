package dist

import (
	"errors"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmat"
)

// ErrNotPositiveDefinite is returned when a scale matrix or a draw
// cannot be Cholesky factorized.
var ErrNotPositiveDefinite = errors.New("matrix is not positive definite")

// Wishart draws a matrix from W(scale, df) using the Bartlett
// decomposition. df must be greater than dim-1.
func Wishart(df float64, scale mat.Symmetric, rng *rand.Rand) (*mat.SymDense, error) {
	dim := scale.SymmetricDim()
	if df <= float64(dim-1) {
		return nil, errors.New("wishart degrees of freedom are too small")
	}
	w, ok := distmat.NewWishart(scale, df, rng)
	if !ok {
		return nil, ErrNotPositiveDefinite
	}
	x := mat.NewSymDense(dim, nil)
	w.RandSymTo(x)
	var chol mat.Cholesky
	if !chol.Factorize(x) {
		return nil, ErrNotPositiveDefinite
	}
	return x, nil
}

// SymInverse inverts a symmetric positive definite matrix.
func SymInverse(a mat.Symmetric) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, ErrNotPositiveDefinite
	}
	inv := mat.NewSymDense(a.SymmetricDim(), nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, err
	}
	return inv, nil
}
