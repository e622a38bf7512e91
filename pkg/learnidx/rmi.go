package learnidx

import (
	"fmt"
	"math"
)

// RMI defaults. The error bound is the mean absolute prediction error the
// adjust loop aims for; experience puts roughly four training points per
// second-stage model per unit of permitted error.
const (
	DefaultErrBound  = 32
	DefaultMaxTrials = 10
	DefaultMaxModels = 1 << 20

	pointsPerModelPerError = 4
)

// RMIConfig bounds the adjust loop of [TrainRMI].
type RMIConfig struct {
	// ErrBound is the target mean absolute error. Zero means
	// [DefaultErrBound].
	ErrBound int

	// MaxTrials caps the retrain attempts. Zero means [DefaultMaxTrials].
	MaxTrials int

	// MaxModels caps the second stage size (the memory budget). Zero
	// means [DefaultMaxModels].
	MaxModels int
}

func (c RMIConfig) withDefaults() RMIConfig {
	if c.ErrBound <= 0 {
		c.ErrBound = DefaultErrBound
	}

	if c.MaxTrials <= 0 {
		c.MaxTrials = DefaultMaxTrials
	}

	if c.MaxModels <= 0 {
		c.MaxModels = DefaultMaxModels
	}

	return c
}

// RMI is a two-stage recursive model index over a sorted key array.
//
// Stage one is a single linear model mapping a key to a second-stage
// model index. Each second-stage model predicts the key's position in the
// full array. An RMI is immutable once trained; retraining builds a new
// one.
type RMI struct {
	stage1 LinearModel
	stage2 []LinearModel
	n      int // training set size; predictions clamp to [0, n)
}

// TrainRMI fits an RMI over keys, which must be sorted ascending.
//
// The second-stage size starts at a heuristic guess and is adjusted until
// the mean absolute error lands in [ErrBound/2, ErrBound], the size
// oscillates between two values, or MaxTrials retrains have run.
func TrainRMI(keys []uint64, cfg RMIConfig) *RMI {
	cfg = cfg.withDefaults()

	n := len(keys)
	if n == 0 {
		return &RMI{stage2: make([]LinearModel, 1)}
	}

	modelN := n / cfg.ErrBound / pointsPerModelPerError
	modelN = min(max(modelN, 1), cfg.MaxModels)

	r := trainOnce(keys, modelN)

	prev, prevPrev := modelN, 0

	for trial := 0; trial < cfg.MaxTrials; trial++ {
		mean := r.meanAbsError(keys)

		switch {
		case mean > float64(cfg.ErrBound):
			if modelN == cfg.MaxModels {
				return r
			}

			grown := int(float64(modelN) * mean / float64(cfg.ErrBound))
			modelN = min(max(grown, modelN+1), cfg.MaxModels)

		case mean < float64(cfg.ErrBound)/2 && modelN > 1:
			modelN = max(modelN/2, 1)

		default:
			return r
		}

		if modelN == prevPrev {
			// Oscillating between two sizes; keep the current fit.
			return r
		}

		prevPrev, prev = prev, modelN
		r = trainOnce(keys, modelN)
	}

	return r
}

// trainOnce fits stage one on a stride sample mapping keys to model
// indices, then partitions all keys by the stage-one prediction and fits
// each second-stage model on its partition.
func trainOnce(keys []uint64, modelN int) *RMI {
	n := len(keys)

	r := &RMI{
		stage2: make([]LinearModel, modelN),
		n:      n,
	}

	stride := (n + modelN - 1) / modelN
	if stride < 1 {
		stride = 1
	}

	var b1 LinearBuilder
	for i := 0; i < n; i += stride {
		b1.Add(keys[i], i/stride)
	}

	r.stage1 = b1.Build()

	var b2 LinearBuilder

	prev := 0

	for i, key := range keys {
		mi := clampInt(r.stage1.Predict(key), 0, modelN-1)
		if mi != prev {
			r.stage2[prev] = b2.Build()
			b2.Reset()
			prev = mi
		}

		b2.Add(key, i)
	}

	r.stage2[prev] = b2.Build()

	return r
}

// Predict returns the predicted position of key, clamped to [0, n).
func (r *RMI) Predict(key uint64) int {
	mi := clampInt(r.stage1.Predict(key), 0, len(r.stage2)-1)

	return clampInt(r.stage2[mi].Predict(key), 0, max(r.n-1, 0))
}

// Models returns the second-stage size.
func (r *RMI) Models() int {
	return len(r.stage2)
}

// Len returns the training set size.
func (r *RMI) Len() int {
	return r.n
}

// meanAbsError is the mean of |true - predicted| + 1 over the training
// keys, matching the adjust loop's error metric.
func (r *RMI) meanAbsError(keys []uint64) float64 {
	if len(keys) == 0 {
		return 0
	}

	var sum float64
	for i, key := range keys {
		sum += math.Abs(float64(i)-float64(r.Predict(key))) + 1
	}

	return sum / float64(len(keys))
}

// Params flattens the model for persistence: stage-one slope and
// intercept, then each second-stage pair in order.
func (r *RMI) Params() []float64 {
	out := make([]float64, 0, 2+2*len(r.stage2))
	out = append(out, r.stage1.Slope, r.stage1.Intercept)

	for _, m := range r.stage2 {
		out = append(out, m.Slope, m.Intercept)
	}

	return out
}

// RMIFromParams rebuilds an RMI from [RMI.Params] output and the training
// set size it was fit over.
func RMIFromParams(params []float64, n int) (*RMI, error) {
	if len(params) < 4 || len(params)%2 != 0 {
		return nil, fmt.Errorf("learnidx: %d params cannot encode a two-stage model", len(params))
	}

	r := &RMI{
		stage1: LinearModel{Slope: params[0], Intercept: params[1]},
		stage2: make([]LinearModel, (len(params)-2)/2),
		n:      n,
	}

	for i := range r.stage2 {
		r.stage2[i] = LinearModel{Slope: params[2+2*i], Intercept: params[3+2*i]}
	}

	return r, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
