// Package trait implements multivariate Brownian diffusion of
// continuous traits along a tree.
package trait

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/prior"
	"bitbucket.org/Davydov/phymc/tree"
)

// log is the global logging variable.
var log = logging.MustGetLogger("trait")

// Traits maps taxon names to trait vectors.
type Traits map[string][]float64

// ParseTraits reads whitespace separated lines: a taxon name followed
// by trait values.
func ParseTraits(rd io.Reader) (Traits, error) {
	res := make(Traits)
	dim := -1
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		vals := make([]float64, len(fields)-1)
		for i, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("taxon %s: %w", fields[0], err)
			}
			vals[i] = v
		}
		if dim >= 0 && len(vals) != dim {
			return nil, fmt.Errorf("taxon %s has %d traits, expected %d", fields[0], len(vals), dim)
		}
		dim = len(vals)
		res[fields[0]] = vals
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, errors.New("no trait data")
	}
	return res, nil
}

// Brownian is the likelihood of trait values at all nodes under a
// multivariate Brownian motion with precision matrix P. Internal
// node values are a parameter (row per internal node), the increment
// along a branch of length t is normal with covariance t P^-1.
type Brownian struct {
	id        string
	tree      *tree.Tree
	dim       int
	tips      [][]float64
	internal  *model.Parameter
	precision *model.Parameter

	logL        float64
	valid       bool
	storedLogL  float64
	storedValid bool

	delta *mat.VecDense
	prec  *mat.SymDense
}

// NewBrownian creates a Brownian diffusion model. The internal
// parameter has to have (nodes - tips) * dim values, the precision
// dim * dim.
func NewBrownian(id string, t *tree.Tree, traits Traits, internal, precision *model.Parameter) (*Brownian, error) {
	dim := -1
	tips := make([][]float64, t.TipCount())
	for i := range tips {
		v, ok := traits[t.Name(i)]
		if !ok {
			return nil, fmt.Errorf("%s: no traits for tip %s", id, t.Name(i))
		}
		if dim >= 0 && len(v) != dim {
			return nil, fmt.Errorf("%s: tip %s has %d traits, expected %d", id, t.Name(i), len(v), dim)
		}
		dim = len(v)
		tips[i] = v
	}
	if n := (t.NodeCount() - t.TipCount()) * dim; internal.Dim() != n {
		return nil, fmt.Errorf("%s: parameter %s has %d values, expected %d", id, internal.ID(), internal.Dim(), n)
	}
	if precision.Dim() != dim*dim {
		return nil, fmt.Errorf("%s: parameter %s has %d values, expected %d", id, precision.ID(), precision.Dim(), dim*dim)
	}
	return &Brownian{
		id:        id,
		tree:      t,
		dim:       dim,
		tips:      tips,
		internal:  internal,
		precision: precision,
		delta:     mat.NewVecDense(dim, nil),
	}, nil
}

// ID returns the model id.
func (b *Brownian) ID() string {
	return b.id
}

// Dim returns the number of traits.
func (b *Brownian) Dim() int {
	return b.dim
}

// Tree returns the tree.
func (b *Brownian) Tree() *tree.Tree {
	return b.tree
}

// Precision returns the precision parameter.
func (b *Brownian) Precision() *model.Parameter {
	return b.precision
}

// Register adds the model to the bus and connects the tree and both
// parameters to it.
func (b *Brownian) Register(bus *model.Bus) error {
	if err := bus.Wire(b, b.internal, b.precision); err != nil {
		return err
	}
	return bus.Connect(b.tree.ID(), b.id)
}

// Value returns trait k of node i.
func (b *Brownian) Value(i, k int) float64 {
	if b.tree.IsTip(i) {
		return b.tips[i][k]
	}
	return b.internal.Value((i-b.tree.TipCount())*b.dim + k)
}

// increment sets delta to the trait difference along the branch
// above i and returns the branch length.
func (b *Brownian) increment(i int) float64 {
	p := b.tree.Parent(i)
	for k := 0; k < b.dim; k++ {
		b.delta.SetVec(k, b.Value(i, k)-b.Value(p, k))
	}
	return b.tree.BranchLength(i)
}

// LogLikelihood returns the cached log-likelihood or recomputes it.
// The error is always nil, a precision which is not positive
// definite has zero likelihood.
func (b *Brownian) LogLikelihood() (float64, error) {
	if b.valid {
		return b.logL, nil
	}
	b.prec = prior.SymFromParameter(b.precision, b.dim)
	var chol mat.Cholesky
	if ok := chol.Factorize(b.prec); !ok {
		log.Debugf("%s: precision is not positive definite", b.id)
		b.logL = math.Inf(-1)
		b.valid = true
		return b.logL, nil
	}
	logDet := chol.LogDet()
	d := float64(b.dim)
	res := 0.0
	for i := 0; i < b.tree.NodeCount(); i++ {
		if b.tree.IsRoot(i) {
			continue
		}
		t := b.increment(i)
		res += 0.5*logDet - 0.5*d*math.Log(2*math.Pi*t) - 0.5*mat.Inner(b.delta, b.prec, b.delta)/t
	}
	b.logL = res
	b.valid = true
	return res, nil
}

// Recompute drops the cached value and recomputes it.
func (b *Brownian) Recompute() (float64, error) {
	b.valid = false
	return b.LogLikelihood()
}

// SufficientStatistic returns the sum over branches of
// delta delta^T / t and the number of branches.
func (b *Brownian) SufficientStatistic() (*mat.SymDense, int) {
	s := mat.NewSymDense(b.dim, nil)
	n := 0
	for i := 0; i < b.tree.NodeCount(); i++ {
		if b.tree.IsRoot(i) {
			continue
		}
		t := b.increment(i)
		s.SymRankOne(s, 1/t, b.delta)
		n++
	}
	return s, n
}

// HandleParameterChanged invalidates the cached value.
func (b *Brownian) HandleParameterChanged(model.ParameterChanged) {
	b.valid = false
}

// HandleModelChanged invalidates the cached value.
func (b *Brownian) HandleModelChanged(model.ModelChanged) {
	b.valid = false
}

// StoreState stores the cached value.
func (b *Brownian) StoreState() {
	b.storedLogL = b.logL
	b.storedValid = b.valid
}

// RestoreState restores the cached value.
func (b *Brownian) RestoreState() {
	b.logL = b.storedLogL
	b.valid = b.storedValid
}

// AcceptState does nothing.
func (b *Brownian) AcceptState() {}
