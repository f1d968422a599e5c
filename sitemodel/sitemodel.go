// Package sitemodel implements among-site rate heterogeneity:
// discrete gamma categories and a proportion of invariant sites.
package sitemodel

import (
	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"

	"bitbucket.org/Davydov/phymc/dist"
	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/smodel"
)

// log is the global logging variable.
var log = logging.MustGetLogger("sitemodel")

// rates is a computed discretization.
type rates struct {
	rates []float64
	props []float64
}

// SiteModel combines a substitution model with rate categories. The
// overall mean rate is Mu. Invariant sites (if PInv is set) form an
// extra category with rate zero.
type SiteModel struct {
	id    string
	bus   *model.Bus
	subst smodel.Model
	// Mu is the overall rate, nil means one.
	Mu *model.Parameter
	// Shape is the gamma shape, nil means no gamma categories.
	Shape *model.Parameter
	// PInv is the proportion of invariant sites, may be nil.
	PInv *model.Parameter
	ncat int

	// CacheRates enables caching of the discretization. Without
	// it rates are recomputed on every request.
	CacheRates bool
	current    *rates
	stored     *rates
}

// New creates a site model with ncat gamma categories.
func New(id string, subst smodel.Model, mu, shape, pinv *model.Parameter, ncat int) *SiteModel {
	if shape == nil || ncat < 1 {
		ncat = 1
	}
	return &SiteModel{
		id:    id,
		subst: subst,
		Mu:    mu,
		Shape: shape,
		PInv:  pinv,
		ncat:  ncat,
	}
}

// ID returns the model id.
func (m *SiteModel) ID() string {
	return m.id
}

// SetBus sets the bus.
func (m *SiteModel) SetBus(b *model.Bus) {
	m.bus = b
}

// Parameters returns all the non-nil parameters of the site model.
func (m *SiteModel) Parameters() (ps []*model.Parameter) {
	for _, p := range []*model.Parameter{m.Mu, m.Shape, m.PInv} {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return
}

// SubstitutionModel returns the substitution model.
func (m *SiteModel) SubstitutionModel() smodel.Model {
	return m.subst
}

// CategoryCount returns the number of rate categories including the
// invariant category.
func (m *SiteModel) CategoryCount() int {
	if m.PInv != nil {
		return m.ncat + 1
	}
	return m.ncat
}

// CategoryRates returns rate of every category.
func (m *SiteModel) CategoryRates() []float64 {
	return m.get().rates
}

// CategoryProportions returns proportion of every category.
func (m *SiteModel) CategoryProportions() []float64 {
	return m.get().props
}

func (m *SiteModel) get() *rates {
	if !m.CacheRates {
		return m.compute()
	}
	if m.current == nil {
		m.current = m.compute()
	}
	return m.current
}

func (m *SiteModel) compute() *rates {
	r := &rates{
		rates: make([]float64, 0, m.CategoryCount()),
		props: make([]float64, 0, m.CategoryCount()),
	}
	pinv := 0.0
	if m.PInv != nil {
		pinv = m.PInv.Value(0)
		r.rates = append(r.rates, 0)
		r.props = append(r.props, pinv)
	}
	if m.Shape != nil && m.ncat > 1 {
		shape := m.Shape.Value(0)
		r.rates = append(r.rates, dist.DiscreteGamma(shape, shape, m.ncat, false, nil, nil)...)
	} else {
		r.rates = append(r.rates, 1)
	}
	for len(r.props) < len(r.rates) {
		r.props = append(r.props, (1-pinv)/float64(m.ncat))
	}

	// mean rate is mu
	mean := floats.Dot(r.rates, r.props)
	mu := 1.0
	if m.Mu != nil {
		mu = m.Mu.Value(0)
	}
	if mean > 0 {
		floats.Scale(mu/mean, r.rates)
	}
	return r
}

// HandleParameterChanged invalidates the cached rates and notifies
// listeners.
func (m *SiteModel) HandleParameterChanged(ev model.ParameterChanged) {
	m.current = nil
	log.Debugf("%s: %v", m.id, ev)
	if m.bus != nil {
		m.bus.PublishModel(model.ModelChanged{ID: m.id, Kind: model.StateChanged, Index: -1, Cause: ev})
	}
}

// HandleModelChanged does nothing.
func (m *SiteModel) HandleModelChanged(model.ModelChanged) {}

// StoreState stores cached rates.
func (m *SiteModel) StoreState() {
	m.stored = m.current
}

// RestoreState restores cached rates.
func (m *SiteModel) RestoreState() {
	m.current = m.stored
}

// AcceptState does nothing.
func (m *SiteModel) AcceptState() {}
