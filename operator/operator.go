// Package operator implements MCMC proposals on parameters, trees
// and precision matrices.
package operator

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/op/go-logging"
)

// log is the global logging variable.
var log = logging.MustGetLogger("operator")

// DefaultTarget is the default target acceptance rate of coercable
// operators.
const DefaultTarget = 0.234

// Operator proposes a new state. Propose mutates parameters or the
// tree and returns the log Hastings ratio. A returned error means the
// proposal is invalid and has to be rejected.
type Operator interface {
	Name() string
	Weight() float64
	Propose(rng *rand.Rand) (float64, error)
}

// Coercable is an operator with a tuning parameter. Increasing the
// parameter increases the step size.
type Coercable interface {
	Operator
	CoercableParameter() float64
	SetCoercableParameter(float64)
	TargetAcceptance() float64
}

// Gibbs operators sample from the exact conditional posterior and
// are always accepted.
type Gibbs interface {
	Operator
	IsGibbs() bool
}

// RejectError is returned by an operator which proposed an invalid
// state.
type RejectError struct {
	Operator string
	Reason   string
	Err      error
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Operator, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Operator, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

func reject(op, reason string, err error) error {
	return &RejectError{Operator: op, Reason: reason, Err: err}
}

// Boundary is a policy for random walk steps crossing parameter
// bounds.
type Boundary int

const (
	// Reflect folds the step back across the boundary.
	Reflect Boundary = iota
	// Absorb rejects the proposal.
	Absorb
)

func (b Boundary) String() string {
	switch b {
	case Reflect:
		return "reflect"
	case Absorb:
		return "absorb"
	}
	return "unknown"
}

// ParseBoundary converts a policy name to Boundary.
func ParseBoundary(s string) (Boundary, error) {
	switch s {
	case "reflect":
		return Reflect, nil
	case "absorb":
		return Absorb, nil
	}
	return Reflect, fmt.Errorf("unknown boundary policy: %s", s)
}

type base struct {
	name   string
	weight float64
	target float64
}

func newBase(name string, weight float64) base {
	if weight <= 0 {
		panic("operator weight should be > 0")
	}
	return base{name: name, weight: weight, target: DefaultTarget}
}

// Name returns the operator name.
func (b *base) Name() string {
	return b.name
}

// Weight returns relative proposal frequency.
func (b *base) Weight() float64 {
	return b.weight
}

// TargetAcceptance returns the target acceptance rate.
func (b *base) TargetAcceptance() float64 {
	return b.target
}

// SetTargetAcceptance changes the target acceptance rate.
func (b *base) SetTargetAcceptance(t float64) {
	b.target = t
}

// reflect folds x into [min, max].
func reflect(x, min, max float64) float64 {
	switch {
	case math.IsInf(min, -1) && math.IsInf(max, 1):
		return x
	case math.IsInf(max, 1):
		if x < min {
			return 2*min - x
		}
		return x
	case math.IsInf(min, -1):
		if x > max {
			return 2*max - x
		}
		return x
	}
	w := max - min
	d := math.Mod(x-min, 2*w)
	if d < 0 {
		d += 2 * w
	}
	if d > w {
		d = 2*w - d
	}
	return min + d
}

// scaleFactor draws a scale factor uniformly from [f, 1/f].
func scaleFactor(rng *rand.Rand, f float64) float64 {
	return f + rng.Float64()*(1/f-f)
}

// The coercable parameter of scale operators is log(1/f - 1), which
// grows with the step size.
func scaleToCoercable(f float64) float64 {
	return math.Log(1/f - 1)
}

func coercableToScale(x float64) float64 {
	return 1 / (math.Exp(x) + 1)
}
