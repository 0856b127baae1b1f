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

// Package probe carries the health state reported by a host's probe
// subsystem for a Backend Object, and the interface a probe implementation
// satisfies to report state changes asynchronously.
//
// The probe subsystem itself - the thing that actually opens connections or
// sends HTTP requests to check a backend - is an external collaborator (see
// spec §1); this package only defines the state values and the plumbing a
// director needs to track them.
package probe

import "fmt"

// State is the health state of a Backend Object as last reported by its
// probe. Their natural ordering runs from "best" to "worst": StateHealthy is
// the lowest value, StateUnhealthy the highest.
type State int

const (
	StateHealthy   = State(-1)
	StateUnknown   = State(0)
	StateDegraded  = State(1)
	StateUnhealthy = State(2)
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Eligible reports whether a member in this state may be returned by
// Domain.Pick: only healthy or unknown members qualify (spec §3 invariant
// 5); a backend with no probe attached at all is always eligible regardless
// of this type, which callers should check for separately.
func (s State) Eligible() bool {
	return s == StateHealthy || s == StateUnknown
}
