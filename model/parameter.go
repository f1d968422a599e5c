package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Parameter is a named vector of bounded values.
type Parameter struct {
	id     string
	values []float64
	stored []float64
	lower  float64
	upper  float64
	bus    *Bus
}

// NewParameter creates a new unbounded parameter.
func NewParameter(id string, values ...float64) *Parameter {
	p := &Parameter{
		id:     id,
		values: append([]float64(nil), values...),
		lower:  math.Inf(-1),
		upper:  math.Inf(+1),
	}
	p.stored = append([]float64(nil), values...)
	return p
}

// SetBounds changes the bounds. It returns the parameter for
// chaining.
func (p *Parameter) SetBounds(lower, upper float64) *Parameter {
	if upper < lower {
		panic("upper < lower")
	}
	p.lower = lower
	p.upper = upper
	return p
}

// ID returns parameter id.
func (p *Parameter) ID() string {
	return p.id
}

// Dim returns the number of values.
func (p *Parameter) Dim() int {
	return len(p.values)
}

// Lower returns the lower bound.
func (p *Parameter) Lower() float64 {
	return p.lower
}

// Upper returns the upper bound.
func (p *Parameter) Upper() float64 {
	return p.upper
}

// Value returns the i-th value.
func (p *Parameter) Value(i int) float64 {
	return p.values[i]
}

// Values returns a copy of all the values.
func (p *Parameter) Values() []float64 {
	return append([]float64(nil), p.values...)
}

// InBounds tests if v is within the bounds.
func (p *Parameter) InBounds(v float64) bool {
	return !math.IsNaN(v) && v >= p.lower && v <= p.upper
}

// InRange tests if all the values are within the bounds.
func (p *Parameter) InRange() bool {
	for _, v := range p.values {
		if !p.InBounds(v) {
			return false
		}
	}
	return true
}

func (p *Parameter) check(i int, v float64) error {
	if !p.InBounds(v) {
		return &OutOfBoundsError{ID: p.id, Index: i, Value: v, Lower: p.lower, Upper: p.upper}
	}
	return nil
}

// SetValue sets the i-th value and notifies the listeners.
func (p *Parameter) SetValue(i int, v float64) error {
	if err := p.check(i, v); err != nil {
		return err
	}
	if p.values[i] == v {
		// do nothing if value has not changed
		return nil
	}
	p.values[i] = v
	p.FireChanged(i, ValueChanged)
	return nil
}

// SetValueQuietly sets the i-th value without notification. The
// caller has to call FireChanged afterwards.
func (p *Parameter) SetValueQuietly(i int, v float64) error {
	if err := p.check(i, v); err != nil {
		return err
	}
	p.values[i] = v
	return nil
}

// SetValues sets all the values and fires a single notification.
func (p *Parameter) SetValues(vals []float64) error {
	if len(vals) != len(p.values) {
		return fmt.Errorf("parameter %s: expected %d values, got %d", p.id, len(p.values), len(vals))
	}
	for i, v := range vals {
		if err := p.check(i, v); err != nil {
			return err
		}
	}
	copy(p.values, vals)
	p.FireChanged(-1, ValueChanged)
	return nil
}

// FireChanged publishes a change event. Index -1 means all values.
func (p *Parameter) FireChanged(i int, t ChangeType) {
	if p.bus != nil {
		p.bus.PublishParameter(ParameterChanged{ID: p.id, Index: i, Type: t})
	}
}

// AddDimension appends a value.
func (p *Parameter) AddDimension(v float64) error {
	if err := p.check(len(p.values), v); err != nil {
		return err
	}
	p.values = append(p.values, v)
	p.FireChanged(len(p.values)-1, DimensionAdded)
	return nil
}

// RemoveDimension removes the i-th value.
func (p *Parameter) RemoveDimension(i int) {
	p.values = append(p.values[:i], p.values[i+1:]...)
	p.FireChanged(i, DimensionRemoved)
}

// StoreState stores a copy of the values.
func (p *Parameter) StoreState() {
	p.stored = append(p.stored[:0], p.values...)
}

// RestoreState restores values from the stored copy. No event is
// fired, dependent models restore their own state.
func (p *Parameter) RestoreState() {
	p.values = append(p.values[:0], p.stored...)
}

// AcceptState does nothing.
func (p *Parameter) AcceptState() {
}

// String returns tab separated values.
func (p *Parameter) String() string {
	s := make([]string, len(p.values))
	for i, v := range p.values {
		s[i] = strconv.FormatFloat(v, 'f', 6, 64)
	}
	return strings.Join(s, "\t")
}

// Names returns column names for every dimension.
func (p *Parameter) Names() []string {
	if len(p.values) == 1 {
		return []string{p.id}
	}
	s := make([]string, len(p.values))
	for i := range p.values {
		s[i] = p.id + "." + strconv.Itoa(i+1)
	}
	return s
}
