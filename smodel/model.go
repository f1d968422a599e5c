// Package smodel implements substitution models with lazily cached
// eigen systems.
package smodel

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/phymc/model"
)

// log is the global logging variable.
var log = logging.MustGetLogger("smodel")

// ErrSingularDecomposition is returned when a Q-matrix cannot be
// eigendecomposed.
var ErrSingularDecomposition = errors.New("singular eigen decomposition")

// Model is a substitution model.
type Model interface {
	model.Model
	// StateCount returns the number of states.
	StateCount() int
	// Frequencies returns the equilibrium (root) frequencies.
	Frequencies() ([]float64, error)
	// InfinitesimalMatrix returns a copy of the Q-matrix.
	InfinitesimalMatrix() (*mat.Dense, error)
	// TransitionProbabilities writes P(t) into dst (row-major).
	TransitionProbabilities(t float64, dst []float64) error
	// Parameters returns the parameters the model depends on.
	Parameters() []*model.Parameter
}

// rateFunc fills off-diagonal elements of q and returns frequencies.
type rateFunc func(q *mat.Dense) []float64

// system is an immutable snapshot of the cached model state.
type system struct {
	q    *mat.Dense
	freq []float64
	e    *EMatrix
	err  error
}

// Base implements the caching and the transaction protocol shared by
// all the substitution models.
type Base struct {
	id         string
	bus        *model.Bus
	n          int
	reversible bool
	normalize  bool
	rates      rateFunc
	params     []*model.Parameter

	mu      sync.Mutex
	current *system
	stored  *system
	nEigen  int
}

func newBase(id string, n int, reversible bool, rates rateFunc, params ...*model.Parameter) *Base {
	return &Base{
		id:         id,
		n:          n,
		reversible: reversible,
		normalize:  true,
		rates:      rates,
		params:     params,
	}
}

// ID returns the model id.
func (b *Base) ID() string {
	return b.id
}

// SetBus sets the bus used to publish changes.
func (b *Base) SetBus(bus *model.Bus) {
	b.bus = bus
}

// SetNormalize sets whether Q is scaled to one expected substitution
// per unit time.
func (b *Base) SetNormalize(normalize bool) {
	b.mu.Lock()
	b.normalize = normalize
	b.current = nil
	b.mu.Unlock()
}

// StateCount returns the number of states.
func (b *Base) StateCount() int {
	return b.n
}

// Parameters returns the model parameters.
func (b *Base) Parameters() []*model.Parameter {
	return b.params
}

// EigenCount returns the number of eigendecompositions performed.
func (b *Base) EigenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nEigen
}

// HandleParameterChanged invalidates the eigen system.
func (b *Base) HandleParameterChanged(ev model.ParameterChanged) {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
	if b.bus != nil {
		b.bus.PublishModel(model.ModelChanged{ID: b.id, Kind: model.StateChanged, Index: -1, Cause: ev})
	}
}

// HandleModelChanged does nothing, substitution models only depend
// on parameters.
func (b *Base) HandleModelChanged(model.ModelChanged) {}

// StoreState keeps the current eigen system.
func (b *Base) StoreState() {
	b.mu.Lock()
	b.stored = b.current
	b.mu.Unlock()
}

// RestoreState brings back the stored eigen system.
func (b *Base) RestoreState() {
	b.mu.Lock()
	b.current = b.stored
	b.mu.Unlock()
}

// AcceptState does nothing.
func (b *Base) AcceptState() {}

func (b *Base) system() *system {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		b.current = b.compute()
	}
	return b.current
}

func (b *Base) compute() *system {
	q := mat.NewDense(b.n, b.n, nil)
	freq := b.rates(q)
	for i := 0; i < b.n; i++ {
		q.Set(i, i, 0)
		q.Set(i, i, -floats.Sum(q.RawRowView(i)))
	}
	if b.normalize {
		scale := 0.0
		for i := 0; i < b.n; i++ {
			scale -= freq[i] * q.At(i, i)
		}
		if scale > 0 {
			q.Scale(1/scale, q)
		}
	}
	b.nEigen++
	e, err := NewEMatrix(q, freq, b.reversible)
	if err != nil {
		log.Warningf("%s: %v", b.id, err)
	}
	return &system{q: q, freq: freq, e: e, err: err}
}

// Frequencies returns the equilibrium frequencies.
func (b *Base) Frequencies() ([]float64, error) {
	s := b.system()
	return append([]float64(nil), s.freq...), nil
}

// InfinitesimalMatrix returns a copy of Q.
func (b *Base) InfinitesimalMatrix() (*mat.Dense, error) {
	s := b.system()
	return mat.DenseCopyOf(s.q), nil
}

// TransitionProbabilities writes P(t) = e^Qt into dst.
func (b *Base) TransitionProbabilities(t float64, dst []float64) error {
	if t < 0 || math.IsNaN(t) {
		return fmt.Errorf("%s: invalid time %v", b.id, t)
	}
	s := b.system()
	if s.err != nil {
		return s.err
	}
	s.e.Exp(t, dst)
	return nil
}

// normalized returns p values scaled to sum to one.
func normalized(p *model.Parameter) []float64 {
	v := p.Values()
	floats.Scale(1/floats.Sum(v), v)
	return v
}

func uniform(n int) []float64 {
	f := make([]float64, n)
	for i := range f {
		f[i] = 1 / float64(n)
	}
	return f
}
