// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package picker

import "math/rand/v2"

// WeightedIndex picks one index into weights at random, with probability
// proportional to its weight, per RFC 2782 SRV semantics: if any weight is
// positive, zero-weight entries are never selected (spec §4.4: "weight 0 ...
// never selected while peers are eligible"); only when every weight is zero
// does it fall back to a uniform pick among them. Panics if weights is
// empty.
func WeightedIndex(weights []uint16) int {
	n := len(weights)
	if n == 0 {
		panic("picker: WeightedIndex called with no candidates")
	}
	if n == 1 {
		return 0
	}
	total := 0
	for _, w := range weights {
		total += int(w)
	}
	if total == 0 {
		return rand.IntN(n) //nolint:gosec
	}
	r := rand.IntN(total) //nolint:gosec
	cum := 0
	for i, w := range weights {
		if w == 0 {
			continue
		}
		cum += int(w)
		if r < cum {
			return i
		}
	}
	return n - 1 // unreachable in practice; guards against rounding
}
