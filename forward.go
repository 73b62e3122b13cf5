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
	"github.com/gomlx/exceptions"
)

// BaseForward computes the masked soft-target cross-entropy loss over a
// [rows, cols] batch of logits, filling stats with the per-row running
// maximum and partition sum that the backward pass will reuse.
//
// Each active row contributes -sum(target * logSoftmax(logits)); inactive
// rows contribute zero and leave their stats slot untouched. The returned
// scalar is the sum of contributions divided by the total number of row
// slots — the divisor is rows, not the active count, so masking changes
// the numerator only. Do not "fix" this to a mean over active rows: the
// fixed divisor keeps loss magnitudes comparable across batches with
// different active counts, and optimizers are tuned against it.
//
// blockSize is the chunk width of the streaming reduction; it must be a
// positive power of two, normally Settings.BlockSize. If perRow is
// non-nil it receives each row's individual contribution (before the
// 1/rows averaging), zero for inactive rows.
func BaseForward(logits, targets []float32, mask []bool, rows, cols, blockSize int, stats *RowStats, perRow []float32) float32 {
	validateBatch(logits, targets, mask, rows, cols, blockSize, stats)
	if perRow != nil && len(perRow) != rows {
		exceptions.Panicf("fusedloss: perRow has %d entries, want one per row (%d)", len(perRow), rows)
	}

	total := float64(0)
	for r := 0; r < rows; r++ {
		if !mask[r] {
			if perRow != nil {
				perRow[r] = 0
			}
			continue
		}
		off := r * cols
		loss, m, d := forwardRow(logits[off:off+cols], targets[off:off+cols], blockSize)
		stats.set(r, m, d)
		if perRow != nil {
			perRow[r] = float32(loss)
		}
		total += loss
	}

	return float32(total / float64(rows))
}

// forwardRow runs the two streaming passes over one active row and
// returns its loss contribution plus the (max, partition) pair.
//
// Pass 1 folds fixed-size chunks into an online max/sum accumulator: on a
// new maximum the running sum is rescaled by exp(m - mNew) before the
// chunk's exponentials are added, so exp never sees an unshifted score.
// Pass 2 reuses the finalized pair to accumulate the weighted log-softmax
// sum, which is negated to form the loss.
func forwardRow(logits, targets []float32, blockSize int) (loss, m, d float64) {
	cols := len(logits)

	m = stdmath.Inf(-1)
	d = 0
	for start := 0; start < cols; start += blockSize {
		end := min(start+blockSize, cols)
		chunk := logits[start:end]

		blockMax := chunkMax(chunk)
		mNew := m
		if blockMax > mNew {
			mNew = blockMax
		}
		// exp(m - mNew) is 0 on the first chunk (m is -Inf), so the
		// rescale term vanishes and d starts from the chunk sum alone.
		d = d*stdmath.Exp(m-mNew) + chunkExpSum(chunk, float32(mNew))
		m = mNew
	}

	logD := stdmath.Log(d)
	plogp := float64(0)
	for start := 0; start < cols; start += blockSize {
		end := min(start+blockSize, cols)
		plogp += chunkWeightedLogSoftmax(logits[start:end], targets[start:end], float32(m), float32(logD))
	}

	return -plogp, m, d
}

// chunkMax returns the maximum of a chunk of scores.
func chunkMax(x []float32) float64 {
	lanes := hwy.MaxLanes[float32]()
	blockMax := float32(stdmath.Inf(-1))

	i := 0
	if len(x) >= lanes {
		vMax := hwy.Load(x)
		for i = lanes; i+lanes <= len(x); i += lanes {
			vMax = hwy.Max(vMax, hwy.Load(x[i:]))
		}
		blockMax = hwy.ReduceMax(vMax)
	}
	for ; i < len(x); i++ {
		if x[i] > blockMax {
			blockMax = x[i]
		}
	}
	return float64(blockMax)
}

// chunkExpSum returns sum(exp(x - m)) over one chunk.
func chunkExpSum(x []float32, m float32) float64 {
	lanes := hwy.MaxLanes[float32]()
	vM := hwy.Set(m)
	acc := hwy.Zero[float32]()

	i := 0
	for ; i+lanes <= len(x); i += lanes {
		shifted := hwy.Sub(hwy.Load(x[i:]), vM)
		acc = hwy.Add(acc, math.BaseExpVec(shifted))
	}
	sum := float64(hwy.ReduceSum(acc))
	for ; i < len(x); i++ {
		sum += stdmath.Exp(float64(x[i] - m))
	}
	return sum
}

// chunkWeightedLogSoftmax returns sum(target * ((x - m) - logD)) over one
// chunk, with m and logD already finalized for the whole row.
func chunkWeightedLogSoftmax(x, target []float32, m, logD float32) float64 {
	lanes := hwy.MaxLanes[float32]()
	vM := hwy.Set(m)
	vLogD := hwy.Set(logD)
	acc := hwy.Zero[float32]()

	i := 0
	for ; i+lanes <= len(x); i += lanes {
		logSoftmax := hwy.Sub(hwy.Sub(hwy.Load(x[i:]), vM), vLogD)
		acc = hwy.MulAdd(hwy.Load(target[i:]), logSoftmax, acc)
	}
	sum := float64(hwy.ReduceSum(acc))
	for ; i < len(x); i++ {
		sum += float64(target[i] * ((x[i] - m) - logD))
	}
	return sum
}
