package learnidx

import "math"

// LinearModel predicts a position from a key as slope*key + intercept.
//
// The zero value predicts 0 for every key.
type LinearModel struct {
	Slope     float64
	Intercept float64
}

// Predict returns the predicted integer position for key. The result is
// not clamped; callers clamp to their own array bounds.
func (m LinearModel) Predict(key uint64) int {
	return int(m.Slope*float64(key) + m.Intercept)
}

// PredictFloat returns the unrounded prediction.
func (m LinearModel) PredictFloat(key uint64) float64 {
	return m.Slope*float64(key) + m.Intercept
}

// LinearBuilder accumulates (key, position) points and fits a LinearModel
// by least squares.
//
// The zero value is ready to use. Builders are not safe for concurrent
// use.
type LinearBuilder struct {
	count int

	xSum  float64
	ySum  float64
	xxSum float64
	xySum float64

	xMin float64
	xMax float64
	yMin float64
	yMax float64
}

// Add records one training point.
func (b *LinearBuilder) Add(key uint64, pos int) {
	x := float64(key)
	y := float64(pos)

	if b.count == 0 {
		b.xMin, b.xMax = x, x
		b.yMin, b.yMax = y, y
	} else {
		b.xMin = math.Min(b.xMin, x)
		b.xMax = math.Max(b.xMax, x)
		b.yMin = math.Min(b.yMin, y)
		b.yMax = math.Max(b.yMax, y)
	}

	b.count++
	b.xSum += x
	b.ySum += y
	b.xxSum += x * x
	b.xySum += x * y
}

// Count returns the number of points added.
func (b *LinearBuilder) Count() int {
	return b.count
}

// Build fits and returns the model.
//
// With fewer than two points the model is a constant. When every key is
// identical the slope is zero. When floating-point cancellation produces
// a non-positive slope, the fit falls back to the spline through the
// extreme points so predictions stay monotone in the key.
func (b *LinearBuilder) Build() LinearModel {
	if b.count == 0 {
		return LinearModel{}
	}

	if b.count == 1 {
		return LinearModel{Slope: 0, Intercept: b.ySum}
	}

	n := float64(b.count)

	denom := n*b.xxSum - b.xSum*b.xSum
	if denom == 0 {
		// All points share one key.
		return LinearModel{Slope: 0, Intercept: b.ySum / n}
	}

	slope := (n*b.xySum - b.xSum*b.ySum) / denom
	intercept := (b.ySum - slope*b.xSum) / n

	if slope <= 0 {
		slope = (b.yMax - b.yMin) / (b.xMax - b.xMin)
		intercept = b.yMin - b.xMin*slope
	}

	return LinearModel{Slope: slope, Intercept: intercept}
}

// Reset clears the builder for reuse.
func (b *LinearBuilder) Reset() {
	*b = LinearBuilder{}
}

// SampledBuilder feeds every stride-th point to an underlying
// LinearBuilder. Training on a coarse sample keeps fitting O(n/stride)
// while barely moving the fit for near-linear key distributions.
type SampledBuilder struct {
	b      LinearBuilder
	stride int
	seq    int
}

// NewSampledBuilder returns a builder sampling every stride-th Add.
// A stride below 1 is treated as 1.
func NewSampledBuilder(stride int) *SampledBuilder {
	if stride < 1 {
		stride = 1
	}

	return &SampledBuilder{stride: stride}
}

// Add records the point if it falls on the sample stride.
func (s *SampledBuilder) Add(key uint64, pos int) {
	if s.seq%s.stride == 0 {
		s.b.Add(key, pos)
	}

	s.seq++
}

// Build fits and returns the model over the sampled points.
func (s *SampledBuilder) Build() LinearModel {
	return s.b.Build()
}
