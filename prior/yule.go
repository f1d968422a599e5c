package prior

import (
	"math"

	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/tree"
)

// Yule is the pure birth tree prior for a process started with two
// lineages at the root. Tips are assumed to be at height zero, the
// constant ranked topology term is omitted.
type Yule struct {
	Tree      *tree.Tree
	BirthRate *model.Parameter
}

// NewYule creates a Yule prior.
func NewYule(t *tree.Tree, birthRate *model.Parameter) *Yule {
	return &Yule{Tree: t, BirthRate: birthRate}
}

// LogPrior returns (n-2) log(lambda) - lambda L, where L is the
// total branch length below the root.
func (y *Yule) LogPrior() float64 {
	lambda := y.BirthRate.Value(0)
	if lambda <= 0 {
		return math.Inf(-1)
	}
	n := float64(y.Tree.TipCount())
	return (n-2)*math.Log(lambda) - lambda*y.Tree.TotalLength()
}

// CalibratedYule is the Yule prior conditioned on the root height
// together with a log-normal calibration density of the root height.
// Given the root height t_r, the other internal node heights are
// independent with density lambda exp(-lambda t) / (1 - exp(-lambda t_r)),
// so the marginal density of the root height is exactly the
// calibration.
type CalibratedYule struct {
	Tree        *tree.Tree
	BirthRate   *model.Parameter
	Calibration Density
}

// NewCalibratedYule creates a calibrated Yule prior with a
// log-normal(mu, sigma) root height density.
func NewCalibratedYule(t *tree.Tree, birthRate *model.Parameter, mu, sigma float64) *CalibratedYule {
	return &CalibratedYule{Tree: t, BirthRate: birthRate, Calibration: LogNormal(mu, sigma)}
}

// LogPrior returns the log density of the node heights.
func (y *CalibratedYule) LogPrior() float64 {
	lambda := y.BirthRate.Value(0)
	if lambda <= 0 {
		return math.Inf(-1)
	}
	t := y.Tree
	root := t.Root()
	tr := t.Height(root)
	if tr <= 0 {
		return math.Inf(-1)
	}
	res := y.Calibration(tr)
	ll := math.Log(lambda)
	for i := t.TipCount(); i < t.NodeCount(); i++ {
		if i == root {
			continue
		}
		res += ll - lambda*t.Height(i)
	}
	res -= float64(t.TipCount()-2) * math.Log(-math.Expm1(-lambda*tr))
	return res
}
