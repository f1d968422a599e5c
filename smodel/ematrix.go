package smodel

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// EMatrix stores eigendecomposition of a Q-matrix to quickly compute
// e^Qt. Reversible matrices are decomposed through the symmetric
// matrix Pi^1/2 Q Pi^-1/2, everything else through the general
// (possibly complex) eigen system.
type EMatrix struct {
	n int
	// real system, row-major
	v  []float64
	d  []float64
	iv []float64
	// complex system, row-major
	complex bool
	cv      []complex128
	cd      []complex128
	civ     []complex128
}

// NewEMatrix performs eigendecomposition of q. freq is the
// stationary distribution, it's only used if reversible is true.
func NewEMatrix(q *mat.Dense, freq []float64, reversible bool) (*EMatrix, error) {
	if reversible {
		ok := true
		for _, f := range freq {
			if f <= 0 {
				ok = false
				break
			}
		}
		if ok {
			return eigenSym(q, freq)
		}
	}
	return eigenGeneral(q)
}

func eigenSym(q *mat.Dense, freq []float64) (*EMatrix, error) {
	n, _ := q.Dims()
	sq := make([]float64, n)
	for i, f := range freq {
		sq[i] = math.Sqrt(f)
	}
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (sq[i]*q.At(i, j)/sq[j]+sq[j]*q.At(j, i)/sq[i])/2)
		}
	}
	var es mat.EigenSym
	if !es.Factorize(s, true) {
		return nil, ErrSingularDecomposition
	}
	m := &EMatrix{
		n:  n,
		d:  es.Values(nil),
		v:  make([]float64, n*n),
		iv: make([]float64, n*n),
	}
	var u mat.Dense
	es.VectorsTo(&u)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			m.v[i*n+k] = u.At(i, k) / sq[i]
			m.iv[k*n+i] = u.At(i, k) * sq[i]
		}
	}
	return m, nil
}

func eigenGeneral(q *mat.Dense) (*EMatrix, error) {
	n, _ := q.Dims()
	var eg mat.Eigen
	if !eg.Factorize(q, mat.EigenRight) {
		return nil, ErrSingularDecomposition
	}
	var cv mat.CDense
	eg.VectorsTo(&cv)

	// V = X + iY is inverted through the real matrix [[X, -Y], [Y, X]].
	block := mat.NewDense(2*n, 2*n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			c := cv.At(i, j)
			block.Set(i, j, real(c))
			block.Set(n+i, n+j, real(c))
			block.Set(i, n+j, -imag(c))
			block.Set(n+i, j, imag(c))
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularDecomposition, err)
	}

	m := &EMatrix{
		n:       n,
		complex: true,
		cd:      eg.Values(nil),
		cv:      make([]complex128, n*n),
		civ:     make([]complex128, n*n),
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.cv[i*n+j] = cv.At(i, j)
			m.civ[i*n+j] = complex(inv.At(i, j), inv.At(n+i, j))
		}
	}
	return m, nil
}

// Exp computes P=e^Qt and writes it to dst (row-major, n*n). Slightly
// negative values are set to zero.
func (m *EMatrix) Exp(t float64, dst []float64) {
	n := m.n
	if t == 0 {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i == j {
					dst[i*n+j] = 1
				} else {
					dst[i*n+j] = 0
				}
			}
		}
		return
	}
	if m.complex {
		ed := make([]complex128, n)
		for k, l := range m.cd {
			ed[k] = cmplx.Exp(l * complex(t, 0))
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				var s complex128
				for k := 0; k < n; k++ {
					s += m.cv[i*n+k] * ed[k] * m.civ[k*n+j]
				}
				dst[i*n+j] = math.Max(0, real(s))
			}
		}
		return
	}
	ed := make([]float64, n)
	for k, l := range m.d {
		ed[k] = math.Exp(l * t)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			s := 0.0
			for k := 0; k < n; k++ {
				s += m.v[i*n+k] * ed[k] * m.iv[k*n+j]
			}
			dst[i*n+j] = math.Max(0, s)
		}
	}
}

// IsComplex tests if the general eigen system is used.
func (m *EMatrix) IsComplex() bool {
	return m.complex
}
