// Package dist implements discretized rate distributions and matrix
// variate draws.
package dist

import (
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// QuantileGamma returns quantile for gamma distribution with shape
// alpha and rate beta.
func QuantileGamma(prob, alpha, beta float64) float64 {
	return distuv.Gamma{Alpha: alpha, Beta: beta}.Quantile(prob)
}

// IncompleteGamma returns the regularized lower incomplete gamma
// function P(alpha, x).
func IncompleteGamma(x, alpha float64) float64 {
	return mathext.GammaIncReg(alpha, x)
}

// DiscreteGamma returns discrete gamma distribution.
//
// G(alpha, beta) is split into K categories with equal
// proportions. The rate of a category is either its median or its
// mean; median rates are rescaled so that the mean is alpha/beta.
func DiscreteGamma(alpha, beta float64, K int, UseMedian bool, tmp, res []float64) []float64 {
	t := 0.0
	mean := alpha / beta

	if res == nil {
		res = make([]float64, K)
	}
	if K == 1 {
		res[0] = mean
		return res
	}
	if tmp == nil {
		tmp = make([]float64, K)
	}

	if UseMedian {
		for i := 0; i < K; i++ {
			res[i] = QuantileGamma((float64(i)*2.+1)/(2.*float64(K)), alpha, beta)
			t += res[i]
		}
		for i := 0; i < K; i++ {
			res[i] *= mean * float64(K) / t
		}
	} else {
		// cutting points
		for i := 0; i < K-1; i++ {
			tmp[i] = QuantileGamma((float64(i)+1.0)/float64(K), alpha, beta)
		}
		// mass of x*f(x) below the cutting points
		for i := 0; i < K-1; i++ {
			tmp[i] = IncompleteGamma(tmp[i]*beta, alpha+1)
		}
		res[0] = tmp[0] * mean * float64(K)
		for i := 1; i < K-1; i++ {
			res[i] = (tmp[i] - tmp[i-1]) * mean * float64(K)
		}
		res[K-1] = (1 - tmp[K-2]) * mean * float64(K)
	}

	return res
}
