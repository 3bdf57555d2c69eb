// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package meter implements running averages used to report smoothed metrics during an epoch.
package meter

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Average accumulates a weighted sum of values and the total weight (count) observed so far.
//
// The zero value is ready to use. It is not safe for concurrent use.
type Average struct {
	sum   float64
	count int64
	last  float64
}

// Update adds value observed n times (e.g.: a batch mean loss with n examples).
// Non-positive n are ignored.
func Update[T constraints.Integer | constraints.Float](m *Average, value T, n int) {
	m.Update(float64(value), n)
}

// Update adds value observed n times. Non-positive n are ignored.
func (m *Average) Update(value float64, n int) {
	if n <= 0 {
		return
	}
	m.last = value
	m.sum += value * float64(n)
	m.count += int64(n)
}

// Avg returns the weighted mean of the values observed since the last Reset, or 0 if nothing was observed.
func (m *Average) Avg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Sum of the weighted values observed.
func (m *Average) Sum() float64 { return m.sum }

// Count returns the total weight observed.
func (m *Average) Count() int64 { return m.count }

// Last value given to Update.
func (m *Average) Last() float64 { return m.last }

// Reset zeroes the meter, typically at the start of an epoch.
func (m *Average) Reset() {
	*m = Average{}
}

// String implements fmt.Stringer.
func (m *Average) String() string {
	return fmt.Sprintf("avg=%.4f (n=%d)", m.Avg(), m.count)
}
