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
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"github.com/gomlx/exceptions"
)

// Function binds one forward evaluation to its matching backward pass,
// owning the row statistics in between. It is the registration point a
// gradient graph calls: Forward returns the scalar loss and saves state,
// Backward consumes that state exactly once and returns the gradient with
// respect to the logits. Targets and mask are fixed weights, not
// differentiable parameters, so they get no gradient.
//
// A Function is not safe for concurrent use; run one evaluation pair at a
// time. Parallelism happens inside the passes, across rows, via Pool.
type Function struct {
	// Pool, if non-nil, distributes per-row work across workers. A nil
	// Pool runs sequentially.
	Pool *workerpool.Pool

	rows, cols int
	blockSize  int
	logits     []float32
	targets    []float32
	mask       []bool
	stats      *RowStats
	live       bool
}

// Forward computes the masked soft-target cross-entropy loss over a
// [rows, cols] batch and saves the row statistics for Backward.
//
// It returns a configuration error (before touching any data) when cols
// exceeds MaxBlockSize. Shape mismatches panic: they are caller bugs, not
// runtime conditions.
//
// Forward retains logits: the matching Backward overwrites that same
// storage with the gradient. Calling Forward again before Backward
// discards the previous binding.
func (f *Function) Forward(logits, targets []float32, mask []bool, rows, cols int) (float32, error) {
	settings, err := CalculateSettings(cols)
	if err != nil {
		return 0, err
	}

	stats := NewRowStats(rows)
	loss := ForwardParallel(f.Pool, logits, targets, mask, rows, cols, settings.BlockSize, stats, nil)

	f.rows, f.cols = rows, cols
	f.blockSize = settings.BlockSize
	f.logits, f.targets, f.mask = logits, targets, mask
	f.stats = stats
	f.live = true
	return loss, nil
}

// Backward computes the gradient of the loss with respect to the logits
// passed to the matching Forward, scaled by the upstream scalar gradient.
//
// The returned slice is the logits storage itself, overwritten in place —
// the original scores are gone after this call. The saved statistics are
// invalidated on return; calling Backward twice, or without a preceding
// Forward, panics.
func (f *Function) Backward(gradOutput float32) []float32 {
	if !f.live {
		exceptions.Panicf("fusedloss: Backward called without a live Forward result — " +
			"the gradient pass destroys its saved state and cannot run twice")
	}

	scaled := gradOutput * float32(1/float64(f.rows))
	BackwardParallel(f.Pool, f.logits, f.targets, f.mask, f.rows, f.cols, f.blockSize, f.stats, scaled)

	grad := f.logits
	f.logits, f.targets, f.mask, f.stats = nil, nil, nil, nil
	f.live = false
	return grad
}

// Stats exposes the saved row statistics between Forward and Backward,
// for diagnostics. It panics when no forward result is live.
func (f *Function) Stats() *RowStats {
	if !f.live {
		exceptions.Panicf("fusedloss: Stats called without a live Forward result")
	}
	return f.stats
}
