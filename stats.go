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

// RowStats holds the two streaming statistics the forward pass saves per
// row: the running maximum and the partition sum (the softmax normalizer,
// computed relative to that maximum). The backward pass reconstructs
// softmax probabilities from these without re-scanning the row, so the
// pair must be handed to backward unchanged.
//
// Entries for inactive rows are never written and must never be read.
// A RowStats is valid for exactly one forward/backward pair; the Function
// binding enforces that lifecycle.
type RowStats struct {
	m []float64
	d []float64
}

// NewRowStats allocates statistics storage for the given number of rows.
func NewRowStats(rows int) *RowStats {
	return &RowStats{
		m: make([]float64, rows),
		d: make([]float64, rows),
	}
}

// Rows returns the number of row slots.
func (s *RowStats) Rows() int {
	return len(s.m)
}

// At returns the saved (max, partition) pair for an active row.
func (s *RowStats) At(row int) (m, d float64) {
	return s.m[row], s.d[row]
}

func (s *RowStats) set(row int, m, d float64) {
	s.m[row] = m
	s.d[row] = d
}
