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
	stdmath "math"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/math"
)

// BaseBackward computes the gradient of the fused loss with respect to
// the logits, DESTRUCTIVELY: each row of logits is overwritten with that
// row's gradient. Callers must not reuse the original scores afterwards,
// and must not run a second backward over the same storage.
//
// stats must be the pair produced by the matching BaseForward call,
// unchanged. scaledGrad is the upstream scalar gradient already
// multiplied by the forward pass's 1/rows averaging factor. Inactive rows
// get the zero vector and their stats slots are never read.
func BaseBackward(logits, targets []float32, mask []bool, rows, cols, blockSize int, stats *RowStats, scaledGrad float32) {
	validateBatch(logits, targets, mask, rows, cols, blockSize, stats)

	for r := 0; r < rows; r++ {
		off := r * cols
		row := logits[off : off+cols]
		if !mask[r] {
			zeroRow(row)
			continue
		}
		m, d := stats.At(r)
		backwardRow(row, targets[off:off+cols], m, d, scaledGrad, blockSize)
	}
}

// backwardRow overwrites one active row of logits with its gradient.
//
// The gradient of -sum(target * logSoftmax(x)) needs the row-wide
// reduction sum(target * g) before any element can be finalized (the
// softmax-Jacobian coupling term), hence two passes: a scalar reduction,
// then the elementwise write
//
//	grad_i = -(target_i * g - softmax_i * targetGradSum)
//
// with softmax_i reconstructed as exp(x_i - m) / d from the saved
// statistics — no new max/sum scan.
func backwardRow(logits, targets []float32, m, d float64, scaledGrad float32, blockSize int) {
	cols := len(logits)

	// Pass 1: targetGradSum. The upstream gradient is a scalar broadcast
	// to every element; it is still applied elementwise so this stays
	// correct if a per-element upstream gradient ever shows up.
	targetGradSum := float64(0)
	for start := 0; start < cols; start += blockSize {
		end := min(start+blockSize, cols)
		targetGradSum += chunkTargetGradSum(targets[start:end], scaledGrad)
	}

	// Pass 2: elementwise gradient, written over the scores.
	mf := float32(m)
	invD := float32(1 / d)
	tgs := float32(targetGradSum)
	for start := 0; start < cols; start += blockSize {
		end := min(start+blockSize, cols)
		chunkGradient(logits[start:end], targets[start:end], mf, invD, scaledGrad, tgs)
	}
}

// chunkTargetGradSum returns sum(target * g) over one chunk.
func chunkTargetGradSum(target []float32, g float32) float64 {
	lanes := hwy.MaxLanes[float32]()
	vG := hwy.Set(g)
	acc := hwy.Zero[float32]()

	i := 0
	for ; i+lanes <= len(target); i += lanes {
		acc = hwy.MulAdd(hwy.Load(target[i:]), vG, acc)
	}
	sum := float64(hwy.ReduceSum(acc))
	for ; i < len(target); i++ {
		sum += float64(target[i] * g)
	}
	return sum
}

// chunkGradient overwrites one chunk of scores with
// -(target*g - exp(x-m)/d * tgs).
func chunkGradient(x, target []float32, m, invD, g, tgs float32) {
	lanes := hwy.MaxLanes[float32]()
	vM := hwy.Set(m)
	vInvD := hwy.Set(invD)
	vG := hwy.Set(g)
	vTgs := hwy.Set(tgs)

	i := 0
	for ; i+lanes <= len(x); i += lanes {
		prob := hwy.Mul(math.BaseExpVec(hwy.Sub(hwy.Load(x[i:]), vM)), vInvD)
		grad := hwy.Neg(hwy.Sub(hwy.Mul(hwy.Load(target[i:]), vG), hwy.Mul(prob, vTgs)))
		hwy.Store(grad, x[i:])
	}
	for ; i < len(x); i++ {
		prob := float32(stdmath.Exp(float64(x[i]-m))) * invD
		x[i] = -(target[i]*g - prob*tgs)
	}
}

func zeroRow(row []float32) {
	for i := range row {
		row[i] = 0
	}
}
