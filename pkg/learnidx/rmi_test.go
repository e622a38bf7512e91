package learnidx_test

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/letree/pkg/learnidx"
)

func meanAbsError(t *testing.T, r *learnidx.RMI, keys []uint64) float64 {
	t.Helper()

	var sum float64
	for i, key := range keys {
		sum += math.Abs(float64(i)-float64(r.Predict(key))) + 1
	}

	return sum / float64(len(keys))
}

func Test_TrainRMI_Meets_The_Error_Bound_On_Uniform_Keys(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 1))

	keys := make([]uint64, 50_000)
	for i := range keys {
		keys[i] = rng.Uint64() >> 16
	}

	slices.Sort(keys)
	keys = slices.Compact(keys)

	cfg := learnidx.RMIConfig{ErrBound: 32}
	r := learnidx.TrainRMI(keys, cfg)

	// The adjust loop either landed inside the bound or stopped at a
	// trial/oscillation limit; uniform keys always land inside.
	assert.LessOrEqual(t, meanAbsError(t, r, keys), float64(cfg.ErrBound))

	// Every prediction is clamped into the array.
	for _, key := range []uint64{0, keys[0], keys[len(keys)/2], keys[len(keys)-1], math.MaxUint64} {
		p := r.Predict(key)
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, len(keys))
	}
}

func Test_TrainRMI_Predictions_Are_Monotone_On_Sorted_Samples(t *testing.T) {
	t.Parallel()

	keys := make([]uint64, 10_000)
	for i := range keys {
		keys[i] = uint64(i) * 977
	}

	r := learnidx.TrainRMI(keys, learnidx.RMIConfig{})

	prev := -1

	for i := 0; i < len(keys); i += 100 {
		p := r.Predict(keys[i])
		require.GreaterOrEqual(t, p, prev, "prediction regressed at key %d", keys[i])

		prev = p
	}
}

func Test_TrainRMI_Handles_Tiny_And_Empty_Inputs(t *testing.T) {
	t.Parallel()

	empty := learnidx.TrainRMI(nil, learnidx.RMIConfig{})
	assert.Equal(t, 0, empty.Predict(42))

	one := learnidx.TrainRMI([]uint64{7}, learnidx.RMIConfig{})
	assert.Equal(t, 0, one.Predict(7))
	assert.Equal(t, 0, one.Predict(1000))

	two := learnidx.TrainRMI([]uint64{10, 20}, learnidx.RMIConfig{})
	assert.Equal(t, 0, two.Predict(10))
	assert.Equal(t, 1, two.Predict(20))
}

func Test_RMI_Params_Round_Trip_Preserves_Predictions(t *testing.T) {
	t.Parallel()

	keys := make([]uint64, 5_000)
	for i := range keys {
		keys[i] = uint64(i) * uint64(i+3)
	}

	r := learnidx.TrainRMI(keys, learnidx.RMIConfig{ErrBound: 16})

	restored, err := learnidx.RMIFromParams(r.Params(), r.Len())
	require.NoError(t, err)

	require.Equal(t, r.Models(), restored.Models())

	if diff := cmp.Diff(r.Params(), restored.Params()); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < len(keys); i += 37 {
		require.Equal(t, r.Predict(keys[i]), restored.Predict(keys[i]), "key %d", keys[i])
	}
}

func Test_RMIFromParams_Rejects_Malformed_Blobs(t *testing.T) {
	t.Parallel()

	_, err := learnidx.RMIFromParams(nil, 0)
	assert.Error(t, err)

	_, err = learnidx.RMIFromParams([]float64{1, 2, 3}, 10)
	assert.Error(t, err)
}

func Test_TrainRMI_Respects_The_Model_Budget(t *testing.T) {
	t.Parallel()

	keys := make([]uint64, 20_000)
	for i := range keys {
		keys[i] = uint64(i)
	}

	r := learnidx.TrainRMI(keys, learnidx.RMIConfig{ErrBound: 1, MaxModels: 8})

	assert.LessOrEqual(t, r.Models(), 8)
}
