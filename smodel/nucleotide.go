package smodel

import (
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/phymc/model"
)

// isTransition tests if a nucleotide substitution (ACGT order) is a
// transition.
func isTransition(i, j int) bool {
	return (i == 0 && j == 2) || (i == 2 && j == 0) || (i == 1 && j == 3) || (i == 3 && j == 1)
}

// JC is the Jukes-Cantor model.
type JC struct {
	*Base
}

// NewJC creates a Jukes-Cantor model.
func NewJC(id string) *JC {
	return &JC{newBase(id, 4, true, func(q *mat.Dense) []float64 {
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				if i != j {
					q.Set(i, j, 1)
				}
			}
		}
		return uniform(4)
	})}
}

// HKY is the Hasegawa-Kishino-Yano model.
type HKY struct {
	*Base
	Kappa *model.Parameter
	Freqs *model.Parameter
}

// NewHKY creates a HKY model with transition/transversion ratio
// kappa and nucleotide frequencies freqs.
func NewHKY(id string, kappa, freqs *model.Parameter) *HKY {
	m := &HKY{Kappa: kappa, Freqs: freqs}
	m.Base = newBase(id, 4, true, m.rates, kappa, freqs)
	return m
}

func (m *HKY) rates(q *mat.Dense) []float64 {
	pi := normalized(m.Freqs)
	kappa := m.Kappa.Value(0)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if i == j {
				continue
			}
			r := pi[j]
			if isTransition(i, j) {
				r *= kappa
			}
			q.Set(i, j, r)
		}
	}
	return pi
}

// GTR is the general time reversible model. Rates are in the AC, AG,
// AT, CG, CT, GT order.
type GTR struct {
	*Base
	Rates *model.Parameter
	Freqs *model.Parameter
}

// NewGTR creates a GTR model.
func NewGTR(id string, rates, freqs *model.Parameter) *GTR {
	if rates.Dim() != 6 {
		panic("GTR requires six rates")
	}
	m := &GTR{Rates: rates, Freqs: freqs}
	m.Base = newBase(id, 4, true, m.rates, rates, freqs)
	return m
}

func (m *GTR) rates(q *mat.Dense) []float64 {
	pi := normalized(m.Freqs)
	k := 0
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			r := m.Rates.Value(k)
			q.Set(i, j, r*pi[j])
			q.Set(j, i, r*pi[i])
			k++
		}
	}
	return pi
}
