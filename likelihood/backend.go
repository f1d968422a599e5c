// Package likelihood implements the incremental tree likelihood:
// computational backends with double-buffered partials and the
// TreeLikelihood model which tracks dirty nodes.
package likelihood

import (
	"errors"

	"github.com/op/go-logging"
)

// log is the global logging variable.
var log = logging.MustGetLogger("likelihood")

var (
	// ErrInvalidBranch is returned for negative or NaN branch
	// lengths.
	ErrInvalidBranch = errors.New("invalid branch length")
	// ErrNumerical is returned when the likelihood is NaN.
	ErrNumerical = errors.New("numerical error in likelihood")
)

// ScalingPolicy defines when partials are rescaled.
type ScalingPolicy int

const (
	// ScaleNone never rescales.
	ScaleNone ScalingPolicy = iota
	// ScaleDynamic rescales a pattern at a node if its maximum
	// partial drops below scalingThreshold.
	ScaleDynamic
	// ScaleAlways rescales every pattern at every node.
	ScaleAlways
)

func (s ScalingPolicy) String() string {
	switch s {
	case ScaleNone:
		return "none"
	case ScaleDynamic:
		return "dynamic"
	case ScaleAlways:
		return "always"
	}
	return "unknown"
}

// ParseScaling converts a policy name into a ScalingPolicy.
func ParseScaling(s string) (ScalingPolicy, error) {
	switch s {
	case "none":
		return ScaleNone, nil
	case "dynamic":
		return ScaleDynamic, nil
	case "always":
		return ScaleAlways, nil
	}
	return ScaleNone, errors.New("unknown scaling policy: " + s)
}

// scalingThreshold is the smallest maximum partial which is not
// rescaled under ScaleDynamic.
const scalingThreshold = 1e-40

// Operation computes partials of Dest from two children and the
// transition matrices of their branches.
type Operation struct {
	Dest    int
	Child1  int
	Matrix1 int
	Child2  int
	Matrix2 int
}

// Backend is a likelihood computation engine. Partials of internal
// nodes and transition matrices are double-buffered: the first write
// since StoreState goes to the other buffer and RestoreState switches
// back.
type Backend interface {
	// Initialize allocates the buffers.
	Initialize(nodeCount, tipCount, patternCount, matrixCount, stateCount, categoryCount int) error
	// SetScaling sets the rescaling policy.
	SetScaling(ScalingPolicy)
	// SetTipStates sets observed states of a tip; a state equal
	// to the state count means missing data.
	SetTipStates(tip int, states []int) error
	// SetTipPartials sets partials of a tip (pattern x state).
	SetTipPartials(tip int, partials []float64) error
	// SetPatternWeights sets pattern weights.
	SetPatternWeights(weights []float64) error
	// SetStateFrequencies sets root frequencies.
	SetStateFrequencies(freqs []float64) error
	// SetCategoryWeights sets rate category proportions.
	SetCategoryWeights(weights []float64) error
	// UpdateTransitionMatrices sets the transition matrices of
	// every category (category x state x state) for a matrix
	// index.
	UpdateTransitionMatrices(matrix int, probs []float64) error
	// UpdatePartials performs peeling operations in order.
	UpdatePartials(ops []Operation) error
	// CalculateLogLikelihood returns the log-likelihood at root.
	CalculateLogLikelihood(root int) (float64, error)
	// StoreState starts a new transaction.
	StoreState()
	// RestoreState rolls back buffers written since StoreState.
	RestoreState()
}
