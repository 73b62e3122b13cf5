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

// Package fusedloss computes a masked, soft-target cross-entropy loss and
// its gradient without materializing the softmax matrix.
//
// For a batch of rows*cols logits the standard approach materializes the
// full log-softmax tensor, multiplies by the target distribution and
// reduces. With large vocabularies that intermediate tensor dominates
// memory traffic. This package instead makes two streaming passes per row:
// the first maintains a running maximum m and a running sum of
// exponentials d using the rescaling identity
//
//	d = d * exp(m - mNew) + sum(exp(chunk - mNew))
//
// so that exp is never evaluated on an unshifted score, and the second
// accumulates the weighted log-softmax
//
//	loss = -sum(target * ((x - m) - log(d)))
//
// The (m, d) pair is the only state saved for the gradient pass, which
// reconstructs softmax probabilities as exp(x - m) / d and overwrites the
// logits storage in place with the gradient. The in-place backward follows
// Liger-Kernel; the online normalizer follows the streaming log-sum-exp
// used throughout go-highway's loss kernels.
//
// Rows are fully independent, so both passes parallelize as a plain map
// over rows; see ForwardParallel and BackwardParallel.
package fusedloss
