package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"

	"bitbucket.org/Davydov/phymc/model"
)

// ErrBadStart is returned if the posterior of the starting point is
// zero.
var ErrBadStart = errors.New("starting point has zero posterior probability")

// Optimizer searches for a posterior maximum.
type Optimizer interface {
	Run(ctx context.Context, iterations int) (float64, error)
}

// None is an optimizer which computes the starting posterior only.
type None struct {
	eval Evaluator
}

// NewNone creates an optimizer which does not change the parameters.
func NewNone(eval Evaluator) *None {
	return &None{eval: eval}
}

// Run evaluates the posterior.
func (n *None) Run(context.Context, int) (float64, error) {
	v, err := n.eval()
	if err != nil {
		return v, err
	}
	if math.IsInf(v, -1) {
		return v, ErrBadStart
	}
	return v, nil
}

// New creates an optimizer by name, either "none" or "lbfgsb".
func New(name string, eval Evaluator, params ...*model.Parameter) (Optimizer, error) {
	switch name {
	case "none", "":
		return NewNone(eval), nil
	case "lbfgsb":
		return NewLBFGSB(eval, params...), nil
	}
	return nil, fmt.Errorf("unknown optimizer: %s", name)
}
