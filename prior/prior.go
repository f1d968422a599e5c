// Package prior implements log prior densities of parameters and
// trees.
package prior

import (
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/stat/distuv"

	"bitbucket.org/Davydov/phymc/model"
)

// log is the global logging variable.
var log = logging.MustGetLogger("prior")

// Density is a log probability density of a scalar.
type Density func(float64) float64

// Uniform is a uniform density on [min, max].
func Uniform(min, max float64) Density {
	if max <= min {
		panic("max <= min")
	}
	d := distuv.Uniform{Min: min, Max: max}
	return d.LogProb
}

// Gamma is a gamma density with given shape and scale. Zero has
// density zero.
func Gamma(shape, scale float64) Density {
	if shape <= 0 || scale <= 0 {
		panic("shape and scale of gamma distribution must be > 0")
	}
	d := distuv.Gamma{Alpha: shape, Beta: 1 / scale}
	return func(x float64) float64 {
		if x <= 0 {
			return math.Inf(-1)
		}
		return d.LogProb(x)
	}
}

// Exponential is an exponential density.
func Exponential(rate float64) Density {
	if rate <= 0 {
		panic("exponential rate should be > 0")
	}
	d := distuv.Exponential{Rate: rate}
	return d.LogProb
}

// LogNormal is a log-normal density, mu and sigma are on the log
// scale.
func LogNormal(mu, sigma float64) Density {
	if sigma <= 0 {
		panic("sigma should be > 0")
	}
	d := distuv.LogNormal{Mu: mu, Sigma: sigma}
	return func(x float64) float64 {
		if x <= 0 {
			return math.Inf(-1)
		}
		return d.LogProb(x)
	}
}

// Normal is a normal density.
func Normal(mu, sigma float64) Density {
	if sigma <= 0 {
		panic("sigma should be > 0")
	}
	d := distuv.Normal{Mu: mu, Sigma: sigma}
	return d.LogProb
}

// Prior is a log prior density of the current state.
type Prior interface {
	LogPrior() float64
}

// ParameterPrior applies a density to every value of a parameter.
type ParameterPrior struct {
	Param   *model.Parameter
	Density Density
}

// NewParameterPrior creates a parameter prior.
func NewParameterPrior(p *model.Parameter, d Density) *ParameterPrior {
	return &ParameterPrior{Param: p, Density: d}
}

// LogPrior returns the sum of log densities of all values.
func (p *ParameterPrior) LogPrior() (res float64) {
	for i := 0; i < p.Param.Dim(); i++ {
		res += p.Density(p.Param.Value(i))
	}
	return
}

// Sum is a product of independent priors.
type Sum []Prior

// LogPrior returns the sum of log priors. It stops at the first
// infinite term.
func (s Sum) LogPrior() (res float64) {
	for _, p := range s {
		res += p.LogPrior()
		if math.IsInf(res, -1) {
			return
		}
	}
	if math.IsNaN(res) {
		log.Warning("log prior is NaN")
		return math.Inf(-1)
	}
	return
}
