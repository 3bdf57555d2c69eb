// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the negative log-likelihood of a normalizing flow whose base distribution
// is an image-space Gaussian, and the bits-per-dimension metric.
package losses

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// NumBins is the number of discrete values per sub-pixel of the (8 bits) images being modeled.
const NumBins = 256

// GaussianLogProb returns the element-wise log-density of x under N(mean, scale=exp(logScale)).
func GaussianLogProb(x, mean, logScale *Node) *Node {
	normalized := Mul(Sub(x, mean), Exp(Neg(logScale)))
	logProb := MulScalar(Square(normalized), -0.5)
	logProb = Sub(logProb, logScale)
	return AddScalar(logProb, -0.5*math.Log(2*math.Pi))
}

// NLL returns the mean (over the batch) negative log-likelihood of the data given the flow output z,
// the sum of log-determinants sldj (shaped [batchSize]) and the conditional image-space Gaussian
// with mean muD and log-scale logVarD (the scale is exp(logVarD)).
//
// The likelihood accounts for the dequantization of the NumBins discrete values per dimension.
// z, muD and logVarD must have the same shape, with the batch as the leading axis.
func NLL(z, sldj, muD, logVarD *Node) *Node {
	if !z.Shape().Equal(muD.Shape()) || !z.Shape().Equal(logVarD.Shape()) {
		Panicf("losses.NLL: z (%s), muD (%s) and logVarD (%s) must have the same shape",
			z.Shape(), muD.Shape(), logVarD.Shape())
	}
	batchSize := z.Shape().Dimensions[0]
	numDims := z.Shape().Size() / batchSize
	if sldj.Rank() != 1 || sldj.Shape().Dimensions[0] != batchSize {
		Panicf("losses.NLL: sldj must be shaped [%d], got %s", batchSize, sldj.Shape())
	}
	priorLL := GaussianLogProb(z, muD, logVarD)
	priorLL = ReduceSum(Reshape(priorLL, batchSize, -1), -1)
	ll := Add(priorLL, ConvertDType(sldj, priorLL.DType()))
	ll = AddScalar(ll, -float64(numDims)*math.Log(NumBins))
	return Neg(ReduceAllMean(ll))
}

// BitsPerDim converts a negative log-likelihood (in nats, per example) to bits per dimension.
func BitsPerDim(nll float64, numDims int) float64 {
	return nll / (float64(numDims) * math.Ln2)
}
