package operator

import (
	"math"
	"math/rand/v2"

	"bitbucket.org/Davydov/phymc/model"
)

// RandomWalk adds a uniform step from [-window, window] to a random
// value of a parameter.
type RandomWalk struct {
	base
	param    *model.Parameter
	window   float64
	boundary Boundary
}

// NewRandomWalk creates a random walk operator.
func NewRandomWalk(param *model.Parameter, window float64, boundary Boundary, weight float64) *RandomWalk {
	if window <= 0 {
		panic("window should be > 0")
	}
	return &RandomWalk{
		base:     newBase("randomWalk("+param.ID()+")", weight),
		param:    param,
		window:   window,
		boundary: boundary,
	}
}

// Window returns the current window size.
func (o *RandomWalk) Window() float64 {
	return o.window
}

// Propose changes a single value. The proposal is symmetric for both
// boundary policies.
func (o *RandomWalk) Propose(rng *rand.Rand) (float64, error) {
	i := rng.IntN(o.param.Dim())
	v := o.param.Value(i) + (2*rng.Float64()-1)*o.window
	if !o.param.InBounds(v) {
		if o.boundary == Absorb {
			return 0, reject(o.name, "step is out of bounds", nil)
		}
		v = reflect(v, o.param.Lower(), o.param.Upper())
	}
	if err := o.param.SetValue(i, v); err != nil {
		return 0, reject(o.name, "cannot set value", err)
	}
	return 0, nil
}

// CoercableParameter returns log of the window.
func (o *RandomWalk) CoercableParameter() float64 {
	return math.Log(o.window)
}

// SetCoercableParameter sets log of the window.
func (o *RandomWalk) SetCoercableParameter(x float64) {
	o.window = math.Exp(x)
}

// Scale multiplies a random value (or all values) of a parameter by a
// random factor from [f, 1/f].
type Scale struct {
	base
	param  *model.Parameter
	factor float64
	all    bool
}

// NewScale creates a scale operator. If all is set, every value is
// scaled by the same factor.
func NewScale(param *model.Parameter, factor float64, all bool, weight float64) *Scale {
	if factor <= 0 || factor >= 1 {
		panic("scale factor should be in (0, 1)")
	}
	return &Scale{
		base:   newBase("scale("+param.ID()+")", weight),
		param:  param,
		factor: factor,
		all:    all,
	}
}

// Factor returns the current scale factor.
func (o *Scale) Factor() float64 {
	return o.factor
}

// Propose scales the parameter.
func (o *Scale) Propose(rng *rand.Rand) (float64, error) {
	s := scaleFactor(rng, o.factor)
	if !o.all {
		i := rng.IntN(o.param.Dim())
		if err := o.param.SetValue(i, o.param.Value(i)*s); err != nil {
			return 0, reject(o.name, "scaled value is out of bounds", err)
		}
		return -math.Log(s), nil
	}
	d := o.param.Dim()
	for i := 0; i < d; i++ {
		if err := o.param.SetValueQuietly(i, o.param.Value(i)*s); err != nil {
			// the parameter is restored by the chain
			o.param.FireChanged(-1, model.ValueChanged)
			return 0, reject(o.name, "scaled value is out of bounds", err)
		}
	}
	o.param.FireChanged(-1, model.ValueChanged)
	return float64(d-2) * math.Log(s), nil
}

// CoercableParameter returns log(1/f - 1).
func (o *Scale) CoercableParameter() float64 {
	return scaleToCoercable(o.factor)
}

// SetCoercableParameter sets the scale factor.
func (o *Scale) SetCoercableParameter(x float64) {
	o.factor = coercableToScale(x)
}

// DeltaExchange moves a random amount between two values of a
// parameter keeping their weighted sum constant.
type DeltaExchange struct {
	base
	param   *model.Parameter
	delta   float64
	weights []float64
}

// NewDeltaExchange creates a delta exchange operator. If weights is
// nil, all the values have weight 1.
func NewDeltaExchange(param *model.Parameter, delta float64, weights []float64, weight float64) *DeltaExchange {
	if delta <= 0 {
		panic("delta should be > 0")
	}
	if param.Dim() < 2 {
		panic("delta exchange requires at least two values")
	}
	if weights == nil {
		weights = make([]float64, param.Dim())
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != param.Dim() {
		panic("wrong number of weights")
	}
	return &DeltaExchange{
		base:    newBase("deltaExchange("+param.ID()+")", weight),
		param:   param,
		delta:   delta,
		weights: weights,
	}
}

// Propose changes two values. The values are set quietly and a
// single notification is published.
func (o *DeltaExchange) Propose(rng *rand.Rand) (float64, error) {
	n := o.param.Dim()
	i := rng.IntN(n)
	j := rng.IntN(n - 1)
	if j >= i {
		j++
	}
	d := rng.Float64() * o.delta
	vi := o.param.Value(i) - d
	vj := o.param.Value(j) + d*o.weights[i]/o.weights[j]
	if !o.param.InBounds(vi) || !o.param.InBounds(vj) {
		return 0, reject(o.name, "exchanged value is out of bounds", nil)
	}
	o.param.SetValueQuietly(i, vi)
	o.param.SetValueQuietly(j, vj)
	o.param.FireChanged(-1, model.ValueChanged)
	return 0, nil
}

// CoercableParameter returns log of delta.
func (o *DeltaExchange) CoercableParameter() float64 {
	return math.Log(o.delta)
}

// SetCoercableParameter sets log of delta.
func (o *DeltaExchange) SetCoercableParameter(x float64) {
	o.delta = math.Exp(x)
}
