// Copyright 2025 go-fusedloss Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fusedloss

import (
	"testing"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctionForwardBackward(t *testing.T) {
	rows, cols := 10, 30
	rng := testRNG()
	logits, targets := randomBatch(rng, rows, cols)
	mask := allActive(rows)
	mask[2], mask[6] = false, false
	const gradOutput = 0.7

	wantLoss := ReferenceLoss(logits, targets, mask, rows, cols)
	wantGrad := ReferenceGradient(logits, targets, mask, rows, cols, gradOutput)

	var fn Function
	loss, err := fn.Forward(logits, targets, mask, rows, cols)
	require.NoError(t, err)
	assert.InEpsilon(t, wantLoss, loss, 1e-4)

	grad := fn.Backward(gradOutput)
	require.Len(t, grad, rows*cols)
	assert.Same(t, &logits[0], &grad[0],
		"backward must alias the logits storage, not allocate")
	for i := range grad {
		assert.InDelta(t, wantGrad[i], grad[i], 1e-4, "grad[%d]", i)
	}
}

func TestFunctionWithPool(t *testing.T) {
	rows, cols := 200, 64
	rng := testRNG()
	logits, targets := randomBatch(rng, rows, cols)
	mask := allActive(rows)

	settings, err := CalculateSettings(cols)
	require.NoError(t, err)
	pool := workerpool.New(settings.Workers)
	defer pool.Close()

	wantLoss := ReferenceLoss(logits, targets, mask, rows, cols)

	fn := Function{Pool: pool}
	loss, err := fn.Forward(logits, targets, mask, rows, cols)
	require.NoError(t, err)
	assert.InEpsilon(t, wantLoss, loss, 1e-4)

	want := ReferenceGradient(logits, targets, mask, rows, cols, 1)
	grad := fn.Backward(1)
	for i := range grad {
		assert.InDelta(t, want[i], grad[i], 1e-4, "grad[%d]", i)
	}
}

func TestFunctionRowTooWide(t *testing.T) {
	rows, cols := 1, MaxBlockSize+1
	logits := make([]float32, rows*cols)
	targets := make([]float32, rows*cols)
	mask := []bool{true}

	var fn Function
	_, err := fn.Forward(logits, targets, mask, rows, cols)
	require.Error(t, err)
	assert.ErrorContains(t, err, "65536")
	assert.Panics(t, func() { fn.Backward(1) },
		"no state may be saved after a rejected forward")
}

func TestFunctionBackwardTwicePanics(t *testing.T) {
	rows, cols := 2, 8
	rng := testRNG()
	logits, targets := randomBatch(rng, rows, cols)
	mask := allActive(rows)

	var fn Function
	_, err := fn.Forward(logits, targets, mask, rows, cols)
	require.NoError(t, err)

	fn.Backward(1)
	assert.Panics(t, func() { fn.Backward(1) })
}

func TestFunctionBackwardWithoutForwardPanics(t *testing.T) {
	var fn Function
	assert.Panics(t, func() { fn.Backward(1) })
}

func TestFunctionShapeMismatchPanics(t *testing.T) {
	rows, cols := 4, 8
	rng := testRNG()
	logits, targets := randomBatch(rng, rows, cols)

	var fn Function
	assert.Panics(t, func() {
		fn.Forward(logits, targets, make([]bool, rows-1), rows, cols)
	}, "short mask")
	assert.Panics(t, func() {
		fn.Forward(logits[:rows*cols-1], targets, allActive(rows), rows, cols)
	}, "short logits")
	assert.Panics(t, func() {
		fn.Forward(logits, targets[:rows*cols-1], allActive(rows), rows, cols)
	}, "short targets")
}

func TestFunctionStats(t *testing.T) {
	logits := []float32{1, 2, 3, 4}
	targets := []float32{0, 0, 1, 0}
	mask := []bool{true}

	var fn Function
	_, err := fn.Forward(logits, targets, mask, 1, 4)
	require.NoError(t, err)

	stats := fn.Stats()
	require.Equal(t, 1, stats.Rows())
	m, d := stats.At(0)
	assert.Equal(t, 4.0, m)
	assert.Greater(t, d, 0.0, "partition of an active row is positive")

	fn.Backward(1)
	assert.Panics(t, func() { fn.Stats() },
		"statistics are invalidated once backward consumes them")
}
