// Package clock implements branch rate models.
package clock

import (
	"bitbucket.org/Davydov/phymc/model"
)

// BranchRates is a model of per-branch substitution rates.
type BranchRates interface {
	model.Model
	// BranchRate returns the rate of the branch above a node.
	BranchRate(node int) float64
	// Parameters returns the parameters of the clock.
	Parameters() []*model.Parameter
}

type base struct {
	id  string
	bus *model.Bus
}

func (c *base) ID() string {
	return c.id
}

func (c *base) SetBus(b *model.Bus) {
	c.bus = b
}

func (c *base) publish(index int, ev model.Event) {
	if c.bus != nil {
		c.bus.PublishModel(model.ModelChanged{ID: c.id, Kind: model.BranchChanged, Index: index, Cause: ev})
	}
}

func (c *base) HandleModelChanged(model.ModelChanged) {}
func (c *base) StoreState() {}
func (c *base) RestoreState() {}
func (c *base) AcceptState() {}

// StrictClock has the same rate on every branch.
type StrictClock struct {
	base
	Rate *model.Parameter
}

// NewStrictClock creates a strict clock; rate may be nil, then the
// rate is one.
func NewStrictClock(id string, rate *model.Parameter) *StrictClock {
	return &StrictClock{base: base{id: id}, Rate: rate}
}

// BranchRate returns the clock rate.
func (c *StrictClock) BranchRate(node int) float64 {
	if c.Rate == nil {
		return 1
	}
	return c.Rate.Value(0)
}

// Parameters returns the rate parameter.
func (c *StrictClock) Parameters() []*model.Parameter {
	if c.Rate == nil {
		return nil
	}
	return []*model.Parameter{c.Rate}
}

// HandleParameterChanged marks every branch changed.
func (c *StrictClock) HandleParameterChanged(ev model.ParameterChanged) {
	c.publish(-1, ev)
}

// RelaxedClock has its own rate on every branch; Rates is indexed by
// node, the value of the root is not used.
type RelaxedClock struct {
	base
	Rates *model.Parameter
}

// NewRelaxedClock creates a relaxed clock.
func NewRelaxedClock(id string, rates *model.Parameter) *RelaxedClock {
	return &RelaxedClock{base: base{id: id}, Rates: rates}
}

// BranchRate returns rate of the branch above node.
func (c *RelaxedClock) BranchRate(node int) float64 {
	return c.Rates.Value(node)
}

// Parameters returns the rates parameter.
func (c *RelaxedClock) Parameters() []*model.Parameter {
	return []*model.Parameter{c.Rates}
}

// HandleParameterChanged marks the changed branch only.
func (c *RelaxedClock) HandleParameterChanged(ev model.ParameterChanged) {
	c.publish(ev.Index, ev)
}
