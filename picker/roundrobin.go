// Copyright 2023 Buf Technologies, Inc.
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

// Package picker implements the selection strategies a Domain or Service
// Domain uses once it already has a set of eligible candidates: a
// round-robin cursor shared by concurrent callers (spec §5: "two concurrent
// pick()s on the same Domain will get distinct next-index values"), and SRV
// priority/weight tier selection (spec §4.4).
package picker

import "sync/atomic"

// Cursor is a lock-free round-robin cursor over a slice of length n. Each
// call to Next atomically advances the shared counter and returns the next
// index modulo n, so concurrent callers always observe distinct indices
// (spec §5 "Ordering": "advanced with an atomic fetch-add"). It does not
// reset when n grows (spec §4.3 "the round-robin cursor is clamped to the
// new length; it is not reset on pure additions") - callers are expected to
// keep using the same Cursor across reconciliations and just pass the
// current length in.
type Cursor struct {
	counter atomic.Uint64
}

// Next returns the next index in [0,n). Next panics if n is zero; callers
// must check for an empty set first.
func (c *Cursor) Next(n int) int {
	if n <= 0 {
		panic("picker: Cursor.Next called with n <= 0")
	}
	return int(c.counter.Add(1) % uint64(n))
}
