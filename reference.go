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

	"gonum.org/v1/gonum/floats"
)

// ReferenceLoss computes the same masked loss as BaseForward by
// materializing the full log-softmax of every row. It is the validation
// oracle, not a production path: O(cols) extra memory per row, float64
// throughout, no chunking, no saved statistics.
func ReferenceLoss(logits, targets []float32, mask []bool, rows, cols int) float32 {
	row := make([]float64, cols)

	total := float64(0)
	for r := 0; r < rows; r++ {
		if !mask[r] {
			continue
		}
		off := r * cols
		for i := 0; i < cols; i++ {
			row[i] = float64(logits[off+i])
		}
		lse := floats.LogSumExp(row)
		plogp := float64(0)
		for i := 0; i < cols; i++ {
			plogp += float64(targets[off+i]) * (row[i] - lse)
		}
		total += -plogp
	}

	return float32(total / float64(rows))
}

// ReferenceGradient computes the gradient of ReferenceLoss with respect
// to the logits, scaled by the upstream scalar gradOutput, into a fresh
// slice. For an active row,
//
//	grad_i = (softmax_i * sum(target) - target_i) * gradOutput / rows
//
// which is the softmax-Jacobian identity with the same negated-loss sign
// convention as the fused backward. Inactive rows are zero.
func ReferenceGradient(logits, targets []float32, mask []bool, rows, cols int, gradOutput float32) []float32 {
	grad := make([]float32, rows*cols)
	row := make([]float64, cols)
	scaled := float64(gradOutput) / float64(rows)

	for r := 0; r < rows; r++ {
		if !mask[r] {
			continue
		}
		off := r * cols
		sumTarget := float64(0)
		for i := 0; i < cols; i++ {
			row[i] = float64(logits[off+i])
			sumTarget += float64(targets[off+i])
		}
		lse := floats.LogSumExp(row)
		for i := 0; i < cols; i++ {
			softmax := stdmath.Exp(row[i] - lse)
			grad[off+i] = float32((softmax*sumTarget - float64(targets[off+i])) * scaled)
		}
	}

	return grad
}
