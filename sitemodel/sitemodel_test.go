package sitemodel

import (
	"math"
	"testing"

	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/smodel"
)

const smallDiff = 1e-10

func mean(m *SiteModel) (s float64) {
	r := m.CategoryRates()
	p := m.CategoryProportions()
	for i := range r {
		s += r[i] * p[i]
	}
	return
}

func TestRates(tst *testing.T) {
	mu := model.NewParameter("mu", 2)
	shape := model.NewParameter("shape", 0.5)
	pinv := model.NewParameter("pinv", 0.2)
	m := New("site", smodel.NewJC("jc"), mu, shape, pinv, 4)
	if m.CategoryCount() != 5 {
		tst.Fatal("wrong category count", m.CategoryCount())
	}
	if m.CategoryRates()[0] != 0 || m.CategoryProportions()[0] != 0.2 {
		tst.Error("wrong invariant category")
	}
	if math.Abs(mean(m)-2) > smallDiff {
		tst.Error("mean rate is not mu:", mean(m))
	}
	ps := 0.0
	for _, p := range m.CategoryProportions() {
		ps += p
	}
	if math.Abs(ps-1) > smallDiff {
		tst.Error("proportions do not sum to one", ps)
	}

	single := New("single", smodel.NewJC("jc"), nil, nil, nil, 4)
	if single.CategoryCount() != 1 || single.CategoryRates()[0] != 1 {
		tst.Error("wrong single category model")
	}
}

func TestCacheRates(tst *testing.T) {
	shape := model.NewParameter("shape", 0.5)
	b := model.NewBus()
	m := New("site", smodel.NewJC("jc"), nil, shape, nil, 4)
	m.CacheRates = true
	if err := b.Wire(m, m.Parameters()...); err != nil {
		tst.Fatal(err)
	}
	r0 := append([]float64(nil), m.CategoryRates()...)
	b.StoreState()
	if err := shape.SetValue(0, 2); err != nil {
		tst.Fatal(err)
	}
	r1 := m.CategoryRates()
	if r1[0] == r0[0] {
		tst.Error("cache was not invalidated")
	}
	b.RestoreState()
	r2 := m.CategoryRates()
	for i := range r0 {
		if r0[i] != r2[i] {
			tst.Error("restore did not bring back rates")
		}
	}

	// uncached and cached paths agree
	u := New("u", smodel.NewJC("jc"), nil, model.NewParameter("shape2", 0.5), nil, 4)
	for i, r := range u.CategoryRates() {
		if math.Abs(r-r0[i]) > smallDiff {
			tst.Error("cached and uncached rates differ")
		}
	}
}
