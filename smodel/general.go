package smodel

import (
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/phymc/model"
)

// General is a non-reversible model with an arbitrary rate for every
// ordered pair of states: q_ij = r_ij * pi_j. Rates are in row-major
// order skipping the diagonal. Its eigen system may be complex. The
// frequencies are used at the root.
type General struct {
	*Base
	Rates *model.Parameter
	Freqs *model.Parameter
}

// NewGeneral creates a general model with n states.
func NewGeneral(id string, n int, rates, freqs *model.Parameter) *General {
	if rates.Dim() != n*(n-1) {
		panic("wrong number of rates for a general model")
	}
	m := &General{Rates: rates, Freqs: freqs}
	m.Base = newBase(id, n, false, m.rates, rates, freqs)
	return m
}

func (m *General) rates(q *mat.Dense) []float64 {
	pi := normalized(m.Freqs)
	k := 0
	for i := 0; i < m.n; i++ {
		for j := 0; j < m.n; j++ {
			if i == j {
				continue
			}
			q.Set(i, j, m.Rates.Value(k)*pi[j])
			k++
		}
	}
	return pi
}
