// Package optimize searches for a maximum a posteriori starting point
// of a chain.
package optimize

import (
	"context"
	"math"

	lbfgsb "github.com/idavydov/go-lbfgsb"
	"github.com/op/go-logging"

	"bitbucket.org/Davydov/phymc/model"
)

// log is the global logging variable.
var log = logging.MustGetLogger("optimize")

// Evaluator returns the log posterior of the current state.
type Evaluator func() (float64, error)

// coordinate is a single dimension of a parameter.
type coordinate struct {
	p *model.Parameter
	i int
}

// LBFGSB maximizes the posterior over bounded continuous parameters.
type LBFGSB struct {
	eval   Evaluator
	coords []coordinate
	// DH is the finite difference step.
	DH float64
	// ReportEvery is the reporting period in iterations.
	ReportEvery int

	grad  []float64
	calls int
	iter  int
	limit int
	stop  bool
	ctx   context.Context

	maxF float64
	maxX []float64
}

// NewLBFGSB creates an optimizer over every dimension of params.
func NewLBFGSB(eval Evaluator, params ...*model.Parameter) *LBFGSB {
	l := &LBFGSB{
		eval:        eval,
		DH:          1e-6,
		ReportEvery: 10,
	}
	for _, p := range params {
		for i := 0; i < p.Dim(); i++ {
			l.coords = append(l.coords, coordinate{p, i})
		}
	}
	return l
}

// Dim returns the number of optimized values.
func (l *LBFGSB) Dim() int {
	return len(l.coords)
}

// Calls returns the number of posterior evaluations.
func (l *LBFGSB) Calls() int {
	return l.calls
}

func (l *LBFGSB) values() []float64 {
	x := make([]float64, len(l.coords))
	for i, c := range l.coords {
		x[i] = c.p.Value(c.i)
	}
	return x
}

// set sets all the values, it returns false if any is out of
// bounds.
func (l *LBFGSB) set(x []float64) bool {
	for i, c := range l.coords {
		if c.p.Value(c.i) == x[i] {
			continue
		}
		if err := c.p.SetValue(c.i, x[i]); err != nil {
			return false
		}
	}
	return true
}

// posterior evaluates the negative log posterior, failures are
// +Inf.
func (l *LBFGSB) posterior() float64 {
	l.calls++
	v, err := l.eval()
	if err != nil || math.IsNaN(v) {
		log.Debugf("evaluation failed: %v", err)
		return math.Inf(1)
	}
	return -v
}

// EvaluateFunction returns the negative log posterior at x.
func (l *LBFGSB) EvaluateFunction(x []float64) float64 {
	if l.stop {
		return -l.maxF
	}
	if !l.set(x) {
		return math.Inf(1)
	}
	f := l.posterior()
	if -f > l.maxF {
		l.maxF = -f
		l.maxX = append(l.maxX[:0], x...)
	}
	return f
}

// EvaluateGradient returns the central finite difference gradient
// at x. After stopping it returns zeros, which makes the minimizer
// converge.
func (l *LBFGSB) EvaluateGradient(x []float64) []float64 {
	if l.grad == nil {
		l.grad = make([]float64, len(x))
	}
	grad := l.grad
	if l.stop || !l.set(x) {
		for i := range grad {
			grad[i] = 0
		}
		return grad
	}
	for i, c := range l.coords {
		var f1, f2 float64
		if c.p.SetValue(c.i, x[i]-l.DH) == nil {
			f1 = l.posterior()
		}
		if c.p.SetValue(c.i, x[i]+l.DH) == nil {
			f2 = l.posterior()
		}
		c.p.SetValue(c.i, x[i])
		grad[i] = (f2 - f1) / 2 / l.DH
		if math.IsInf(grad[i], 0) || math.IsNaN(grad[i]) {
			grad[i] = 0
		}
	}
	return grad
}

func (l *LBFGSB) logger(info *lbfgsb.OptimizationIterationInformation) {
	l.iter = info.Iteration
	if l.ReportEvery > 0 && l.iter%l.ReportEvery == 0 {
		log.Infof("%d: lnP=%f", l.iter, -info.F)
	}
	if l.limit > 0 && l.iter >= l.limit {
		l.stop = true
	}
	if l.ctx.Err() != nil {
		log.Warning("Optimization interrupted")
		l.stop = true
	}
}

// Run maximizes the posterior for at most iterations (0 means no
// limit) and leaves the parameters at the best point found. It
// returns the best log posterior.
func (l *LBFGSB) Run(ctx context.Context, iterations int) (float64, error) {
	l.ctx = ctx
	l.limit = iterations
	l.stop = false
	x0 := l.values()
	l.maxX = append([]float64(nil), x0...)
	l.maxF = -l.posterior()
	if math.IsInf(l.maxF, -1) {
		return l.maxF, ErrBadStart
	}
	if len(l.coords) == 0 {
		return l.maxF, nil
	}

	bounds := make([][2]float64, len(l.coords))
	for i, c := range l.coords {
		bounds[i][0] = c.p.Lower() + 1e-5
		bounds[i][1] = c.p.Upper() - 1e-5
	}

	opt := new(lbfgsb.Lbfgsb)
	opt.SetApproximationSize(10)
	opt.SetFTolerance(1e-9)
	opt.SetGTolerance(1e-9)
	opt.SetBounds(bounds)
	opt.SetLogger(l.logger)

	_, exitStatus := opt.Minimize(l, x0)
	log.Infof("Exit status: %v", exitStatus)

	l.stop = false
	l.set(l.maxX)
	log.Noticef("Maximum lnP=%f after %d iterations, %d function calls", l.maxF, l.iter, l.calls)
	for _, c := range l.coords {
		log.Debugf("%s[%d]=%v", c.p.ID(), c.i, c.p.Value(c.i))
	}
	return l.maxF, ctx.Err()
}
