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

package internal

import (
	"hash/maphash"
	"math/rand"
)

// NewRand returns a properly seeded *rand.Rand, seeded via "hash/maphash"
// (which is concurrency-safe and lock-free), effectively borrowing the
// runtime's per-thread RNG to seed a fresh, non-thread-safe generator. Used
// for shuffling a domain's first round-robin order, which does not need a
// cryptographic RNG.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(randomSeed())) //nolint:gosec
}

func randomSeed() int64 {
	var hash maphash.Hash
	return int64(hash.Sum64())
}
