package operator

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Record keeps operator statistics.
type Record struct {
	// Proposed is the number of proposals.
	Proposed int
	// Accepted is the number of accepted proposals.
	Accepted int
	// Invalid is the number of proposals rejected before
	// evaluation.
	Invalid int
	// Failed is the number of proposals with a failed evaluation.
	Failed int
	// EvalTime is the total time spent in proposals and
	// evaluation.
	EvalTime time.Duration
	// adaptation steps
	t int
}

// AcceptanceRate returns the fraction of accepted proposals.
func (r *Record) AcceptanceRate() float64 {
	if r.Proposed == 0 {
		return math.NaN()
	}
	return float64(r.Accepted) / float64(r.Proposed)
}

// AdaptiveSettings are settings of operator coercion.
type AdaptiveSettings struct {
	// Skip is the number of iterations to skip before starting
	// adaptation.
	Skip int
	// MaxAdapt is the number of iterations to adapt, 0 means
	// forever.
	MaxAdapt int
	// C is a Robbins-Monro algorithm parameter
	C float64
	// Nu is a Robbins-Monro algorithm parameter
	Nu float64
}

// NewAdaptiveSettings creates default coercion settings.
func NewAdaptiveSettings() *AdaptiveSettings {
	return &AdaptiveSettings{
		Skip:     500,
		MaxAdapt: 0,
		C:        1,
		Nu:       1,
	}
}

// Schedule is a weighted set of operators.
type Schedule struct {
	ops      []Operator
	records  []*Record
	cum      []float64
	Adaptive *AdaptiveSettings
}

// NewSchedule creates a schedule. Coercion is disabled if as is nil.
func NewSchedule(as *AdaptiveSettings, ops ...Operator) *Schedule {
	s := &Schedule{Adaptive: as}
	for _, op := range ops {
		s.Add(op)
	}
	return s
}

// Add adds an operator.
func (s *Schedule) Add(op Operator) {
	s.ops = append(s.ops, op)
	s.records = append(s.records, &Record{})
	w := make([]float64, len(s.ops))
	for i, op := range s.ops {
		w[i] = op.Weight()
	}
	s.cum = floats.CumSum(make([]float64, len(w)), w)
}

// Len returns the number of operators.
func (s *Schedule) Len() int {
	return len(s.ops)
}

// Operator returns the i-th operator.
func (s *Schedule) Operator(i int) Operator {
	return s.ops[i]
}

// Record returns the statistics of the i-th operator.
func (s *Schedule) Record(i int) *Record {
	return s.records[i]
}

// Select chooses an operator with probability proportional to its
// weight.
func (s *Schedule) Select(rng *rand.Rand) int {
	u := rng.Float64() * s.cum[len(s.cum)-1]
	i := sort.SearchFloat64s(s.cum, u)
	if i < len(s.cum) && s.cum[i] == u {
		// SearchFloat64s returns the first cum >= u
		i++
	}
	if i >= len(s.cum) {
		i = len(s.cum) - 1
	}
	return i
}

// Update records the outcome of a proposal and coerces the operator
// if it is coercable.
func (s *Schedule) Update(i int, accepted bool, iter int) {
	r := s.records[i]
	r.Proposed++
	if accepted {
		r.Accepted++
	}
	c, ok := s.ops[i].(Coercable)
	as := s.Adaptive
	if !ok || as == nil || iter < as.Skip || (as.MaxAdapt > 0 && iter >= as.Skip+as.MaxAdapt) {
		return
	}
	gamma := as.C / math.Pow(float64(r.t+1), 1/(1+as.Nu))
	acc := 0.0
	if accepted {
		acc = 1
	}
	c.SetCoercableParameter(c.CoercableParameter() + gamma*(acc-c.TargetAcceptance()))
	r.t++
}

// Summary returns one line per operator with its statistics.
func (s *Schedule) Summary() []string {
	res := make([]string, len(s.ops))
	for i, op := range s.ops {
		r := s.records[i]
		line := fmt.Sprintf("%s: proposed=%d accepted=%.3f invalid=%d failed=%d time=%v",
			op.Name(), r.Proposed, r.AcceptanceRate(), r.Invalid, r.Failed, r.EvalTime)
		if c, ok := op.(Coercable); ok {
			line += fmt.Sprintf(" tuning=%.4f", c.CoercableParameter())
		}
		res[i] = line
	}
	return res
}

// LogSummary logs the operator statistics.
func (s *Schedule) LogSummary() {
	for _, l := range s.Summary() {
		log.Info(l)
	}
}

// Tuning returns coercable parameters by operator name.
func (s *Schedule) Tuning() map[string]float64 {
	res := make(map[string]float64)
	for _, op := range s.ops {
		if c, ok := op.(Coercable); ok {
			res[op.Name()] = c.CoercableParameter()
		}
	}
	return res
}

// SetTuning restores coercable parameters saved with Tuning.
func (s *Schedule) SetTuning(t map[string]float64) {
	for _, op := range s.ops {
		if c, ok := op.(Coercable); ok {
			if x, ok := t[op.Name()]; ok {
				c.SetCoercableParameter(x)
			}
		}
	}
}
