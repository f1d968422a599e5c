package smodel

import (
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/phymc/model"
)

// Microsatellite is the single rate symmetric stepwise mutation model:
// a repeat count changes by one unit at rate Rate in either direction.
// Frequencies are uniform. The model is not normalized by default.
type Microsatellite struct {
	*Base
	Rate *model.Parameter
}

// NewMicrosatellite creates a stepwise model with n states. rate
// may be nil, then the rate is one.
func NewMicrosatellite(id string, n int, rate *model.Parameter) *Microsatellite {
	m := &Microsatellite{Rate: rate}
	var params []*model.Parameter
	if rate != nil {
		params = append(params, rate)
	}
	m.Base = newBase(id, n, true, m.rates, params...)
	m.Base.normalize = false
	return m
}

func (m *Microsatellite) rates(q *mat.Dense) []float64 {
	r := 1.0
	if m.Rate != nil {
		r = m.Rate.Value(0)
	}
	for i := 0; i < m.n-1; i++ {
		q.Set(i, i+1, r)
		q.Set(i+1, i, r)
	}
	return uniform(m.n)
}
