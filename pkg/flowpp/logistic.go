// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowpp

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/graph"
)

const (
	// logScaleMin is the lower bound of the log-scales of the logistic components.
	logScaleMin = -7.0

	// inverseCDFIterations is the number of bisection steps used to invert the mixture CDF.
	inverseCDFIterations = 50

	// inverseCDFEpsilon bounds the CDF value being inverted to [eps, 1-eps].
	inverseCDFEpsilon = 1e-5

	// bracketScales is the number of scales around each component mean used as the bisection bracket.
	bracketScales = 20.0
)

// Mixture of logistics parameters, for each element of x: all are shaped [<x.shape...>, K].
type mixture struct {
	logPi, mu, logS *graph.Node
}

// standardize returns (x - μ_k)·e^{-s_k} for each component k.
func (m mixture) standardize(x *graph.Node) *graph.Node {
	x = graph.InsertAxes(x, -1)
	return graph.Mul(graph.Sub(x, m.mu), graph.Exp(graph.Neg(m.logS)))
}

// LogCDF returns log F(x), where F is the CDF of the mixture.
func (m mixture) LogCDF(x *graph.Node) *graph.Node {
	t := m.standardize(x)
	// log σ(t) = -softplus(-t)
	return logSumExp(graph.Sub(m.logPi, softplus(graph.Neg(t))), -1)
}

// LogSF returns log(1 - F(x)).
func (m mixture) LogSF(x *graph.Node) *graph.Node {
	t := m.standardize(x)
	return logSumExp(graph.Sub(m.logPi, softplus(t)), -1)
}

// LogPDF returns the log-density of the mixture at x.
func (m mixture) LogPDF(x *graph.Node) *graph.Node {
	t := m.standardize(x)
	// log pdf of a logistic: -t - s - 2·softplus(-t)
	logPDF := graph.Sub(graph.Neg(t), m.logS)
	logPDF = graph.Sub(logPDF, graph.MulScalar(softplus(graph.Neg(t)), 2))
	return logSumExp(graph.Add(m.logPi, logPDF), -1)
}

// Logit returns logit(F(x)) = log F(x) - log(1 - F(x)), and the log-derivative of the logit
// with respect to F(x): -log F(x) - log(1 - F(x)).
func (m mixture) Logit(x *graph.Node) (y, logDet *graph.Node) {
	logCDF, logSF := m.LogCDF(x), m.LogSF(x)
	return graph.Sub(logCDF, logSF), graph.Neg(graph.Add(logCDF, logSF))
}

// InverseLogit returns x such that logit(F(x)) = y, by bisection.
//
// y is clipped so that F(x) is within [inverseCDFEpsilon, 1-inverseCDFEpsilon]. The bracket is taken
// per element from the most extreme component: [min_k(μ_k - 20e^{s_k}), max_k(μ_k + 20e^{s_k})].
func (m mixture) InverseLogit(y *graph.Node) *graph.Node {
	bound := math.Log(inverseCDFEpsilon) - math.Log1p(-inverseCDFEpsilon)
	y = graph.ClipScalar(y, bound, -bound)
	spread := graph.MulScalar(graph.Exp(m.logS), bracketScales)
	lo := graph.ReduceMin(graph.Sub(m.mu, spread), -1)
	hi := graph.ReduceMax(graph.Add(m.mu, spread), -1)
	for range inverseCDFIterations {
		mid := graph.MulScalar(graph.Add(lo, hi), 0.5)
		midY, _ := m.Logit(mid)
		below := graph.LessThan(midY, y)
		lo = graph.Where(below, mid, lo)
		hi = graph.Where(below, hi, mid)
	}
	return graph.MulScalar(graph.Add(lo, hi), 0.5)
}
