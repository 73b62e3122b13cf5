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
	"github.com/gomlx/exceptions"
)

// validateBatch checks the shared preconditions of the forward and
// backward entry points. Violations are caller bugs and panic rather than
// produce silently wrong numbers.
func validateBatch(logits, targets []float32, mask []bool, rows, cols, blockSize int, stats *RowStats) {
	if rows <= 0 || cols <= 0 {
		exceptions.Panicf("fusedloss: batch must be non-empty, got rows=%d cols=%d", rows, cols)
	}
	if len(logits) != rows*cols {
		exceptions.Panicf("fusedloss: logits has %d elements, want rows*cols = %d*%d = %d",
			len(logits), rows, cols, rows*cols)
	}
	if len(targets) != len(logits) {
		exceptions.Panicf("fusedloss: targets has %d elements, want %d (same shape as logits)",
			len(targets), len(logits))
	}
	if len(mask) != rows {
		exceptions.Panicf("fusedloss: mask has %d entries, want one per row (%d)", len(mask), rows)
	}
	if stats == nil || stats.Rows() != rows {
		got := -1
		if stats != nil {
			got = stats.Rows()
		}
		exceptions.Panicf("fusedloss: row statistics sized for %d rows, want %d — "+
			"statistics must come from the matching forward evaluation", got, rows)
	}
	if !isPowerOfTwo(blockSize) {
		exceptions.Panicf("fusedloss: block size must be a positive power of two, got %d", blockSize)
	}
}
