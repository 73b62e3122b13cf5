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

const (
	// MinParallelRows is the row count below which the parallel entry
	// points fall back to the sequential kernels; the fan-out overhead
	// is not worth it for small batches.
	MinParallelRows = 64

	// rowBatch is the number of rows handed to a worker per atomic grab.
	rowBatch = 4
)

// ForwardParallel is BaseForward with the per-row work distributed over a
// worker pool. Rows never share state (each writes its own stats slot and
// perRow entry), so no synchronization is needed beyond the pool barrier;
// the final mean is an order-independent sum taken after all workers
// finish. A nil pool or a small batch runs sequentially.
func ForwardParallel(pool *workerpool.Pool, logits, targets []float32, mask []bool, rows, cols, blockSize int, stats *RowStats, perRow []float32) float32 {
	if pool == nil || rows < MinParallelRows {
		return BaseForward(logits, targets, mask, rows, cols, blockSize, stats, perRow)
	}
	validateBatch(logits, targets, mask, rows, cols, blockSize, stats)
	if perRow != nil && len(perRow) != rows {
		exceptions.Panicf("fusedloss: perRow has %d entries, want one per row (%d)", len(perRow), rows)
	}

	losses := perRow
	if losses == nil {
		losses = make([]float32, rows)
	}

	pool.ParallelForAtomicBatched(rows, rowBatch, func(start, end int) {
		for r := start; r < end; r++ {
			if !mask[r] {
				losses[r] = 0
				continue
			}
			off := r * cols
			loss, m, d := forwardRow(logits[off:off+cols], targets[off:off+cols], blockSize)
			stats.set(r, m, d)
			losses[r] = float32(loss)
		}
	})

	total := float64(0)
	for _, l := range losses {
		total += float64(l)
	}
	return float32(total / float64(rows))
}

// BackwardParallel is BaseBackward with rows distributed over a worker
// pool. The write sets are disjoint (each worker overwrites only its own
// rows of logits), so this is a pure parallel map. Destructive, like
// BaseBackward.
func BackwardParallel(pool *workerpool.Pool, logits, targets []float32, mask []bool, rows, cols, blockSize int, stats *RowStats, scaledGrad float32) {
	if pool == nil || rows < MinParallelRows {
		BaseBackward(logits, targets, mask, rows, cols, blockSize, stats, scaledGrad)
		return
	}
	validateBatch(logits, targets, mask, rows, cols, blockSize, stats)

	pool.ParallelForAtomicBatched(rows, rowBatch, func(start, end int) {
		for r := start; r < end; r++ {
			off := r * cols
			row := logits[off : off+cols]
			if !mask[r] {
				zeroRow(row)
				continue
			}
			m, d := stats.At(r)
			backwardRow(row, targets[off:off+cols], m, d, scaledGrad, blockSize)
		}
	})
}
