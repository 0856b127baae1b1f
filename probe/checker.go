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

package probe

import (
	"context"
	"io"
)

// Template describes a probe to be cloned per acquired Backend Object (spec
// §4.2 "Probe attachment"). It is opaque to this package: the host's probe
// subsystem interprets it. A nil *Template means "no probe attached", which
// makes a backend unconditionally eligible (spec §3 invariant 5), whatever
// its last-seen State would otherwise say.
type Template struct {
	// HostHeader, if non-empty, overrides the Host header the probe itself
	// uses (distinct from the backend's own host-header override). Spec
	// §4.2: in DIRECTOR scope this defaults to the director's host_header
	// parameter; in HOST scope it defaults to the domain's hostname.
	HostHeader string

	// Opaque carries whatever host-specific probe configuration (a URL
	// path, expected status codes, interval, threshold counts, etc.) the
	// surrounding host environment requires. The core never inspects it.
	Opaque any
}

// Clone returns a copy of the template with HostHeader overridden, per a
// Backend Object's acquisition attrs (spec §4.2).
func (t *Template) Clone(hostHeader string) *Template {
	if t == nil {
		return nil
	}
	clone := *t
	clone.HostHeader = hostHeader
	return &clone
}

// Checker starts and stops health-checking processes for backends. A
// directors's registry attaches the process returned by New to each
// Backend Object for which a Template is configured.
type Checker interface {
	// New starts a health-checking process for the given opaque backend
	// key, using the given template. The process reports state transitions
	// through tracker and must release all resources (stop goroutines, etc)
	// when the returned io.Closer is closed or ctx is cancelled, whichever
	// happens first.
	New(ctx context.Context, key any, template *Template, tracker Tracker) io.Closer
}

// Tracker receives asynchronous health state updates from a Checker.
type Tracker interface {
	UpdateState(key any, state State)
}

// NopChecker never starts any process; every backend using it stays at
// StateUnknown, which is eligible. Used when no probe Template is
// configured for a director.
var NopChecker Checker = nopChecker{}

type nopChecker struct{}

func (nopChecker) New(context.Context, any, *Template, Tracker) io.Closer {
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
