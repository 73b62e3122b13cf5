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
	"math/bits"

	"github.com/pkg/errors"
)

// MaxBlockSize is the widest row a single fused reduction will accept.
// Rows wider than this are rejected up front rather than silently split,
// because the saved row statistics are only meaningful for a reduction
// that saw the whole row.
const MaxBlockSize = 65536

// Settings describes how the fused kernels should be launched for rows of
// a given width.
type Settings struct {
	// BlockSize is the chunk width used by the streaming reduction: the
	// smallest power of two covering the row, capped at MaxBlockSize.
	BlockSize int

	// Workers is a parallelism hint for the row fan-out, a step function
	// of BlockSize. Callers typically size a workerpool.Pool with it.
	Workers int
}

// CalculateSettings returns the launch settings for rows of width cols.
//
// It fails with a configuration error when cols exceeds MaxBlockSize;
// nothing is computed in that case.
func CalculateSettings(cols int) (Settings, error) {
	if cols <= 0 {
		return Settings{}, errors.Errorf("row width must be positive, got %d", cols)
	}
	blockSize := nextPowerOfTwo(cols)
	if blockSize > MaxBlockSize {
		return Settings{}, errors.Errorf(
			"cannot run fused loss kernel: row width %d exceeds the maximum supported block size %d",
			cols, MaxBlockSize)
	}

	workers := 4
	switch {
	case blockSize >= 32768:
		workers = 32
	case blockSize >= 8192:
		workers = 16
	case blockSize >= 2048:
		workers = 8
	}

	return Settings{BlockSize: blockSize, Workers: workers}, nil
}

// Halve returns a copy of s with the worker hint halved (never below 1).
// Useful on hosts where the fused loss shares cores with other work.
func (s Settings) Halve() Settings {
	s.Workers = max(s.Workers/2, 1)
	return s
}

// nextPowerOfTwo returns the smallest power of two >= n, for n >= 1.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
