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

// Package registry implements the Backend Registry (spec §4.2): a shared,
// reference-counted map of Backend Objects, scoped either per-director or
// per-host-environment-wide, so that concurrent domains and directors can
// safely share (or not share) the underlying objects a host's stats
// subsystem tracks.
//
// This mirrors the refcounting and atomic-publish discipline
// [github.com/bufbuild/httplb]'s balancer.go applies to conn.Conn values
// (connInfo map, acquire-on-add/release-on-remove under a single mutex),
// generalized to the explicit acquire/release API spec §4.2 calls for.
package registry

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dytarlatam/libvmod-dynamic/probe"
)

// Scope selects how Backend Objects are deduplicated and shared (spec §3
// Invariant 2).
type Scope int

const (
	// ScopeDirector dedups on (address, port) alone: any director sharing
	// this scope and resolving to the same address:port shares one backend.
	ScopeDirector Scope = iota
	// ScopeHost dedups on (hostname, address, port): distinct hostnames
	// never share a backend, even if they resolve to the same address.
	ScopeHost
)

// Key identifies one endpoint. Host is significant only under ScopeHost.
type Key struct {
	Address string // numeric network address
	Port    string // numeric port
	Host    string // hostname that resolved to Address, if known
}

func (k Key) dedupKey(scope Scope) Key {
	if scope == ScopeHost {
		return k
	}
	return Key{Address: k.Address, Port: k.Port}
}

// Attrs carries the per-backend attributes a Registry uses to construct a
// new Backend Object the first time a Key is acquired (spec §3 "Backend
// Object"). Attrs of an already-registered backend are not updated by a
// subsequent Acquire of the same Key: the first acquirer's attrs win, matching
// the teacher's connManager, which only constructs a new conn.Conn when the
// address is new and otherwise just updates attributes on the resolver side,
// never the transport's fixed per-connection settings.
type Attrs struct {
	ConnectTimeout      int64 // nanoseconds; 0 means "inherit host default"
	FirstByteTimeout    int64
	BetweenBytesTimeout int64
	MaxConnections      int // 0 means unlimited
	ProxyHeader         int // 0 (off), 1, or 2
	HostHeader          string
	Probe               *probe.Template
	// StatsName is the name under which the host's stats subsystem should
	// register this backend: "director(host.addr:port)" or
	// "director(addr:port)" per spec §3.
	StatsName string
}

// StatsHost is the host environment's stats registration surface (spec §6):
// an external collaborator that the Registry only needs to notify at the
// right times, never query.
type StatsHost interface {
	Register(name string)
	Deregister(name string)
}

// NopStatsHost discards registration calls. Used when a Registry is built
// without a host stats sink (e.g. in tests).
var NopStatsHost StatsHost = nopStatsHost{}

type nopStatsHost struct{}

func (nopStatsHost) Register(string)   {}
func (nopStatsHost) Deregister(string) {}

// Backend is a Backend Object (spec §3): the host's opaque per-endpoint
// handle, carrying timeouts, a probe handle, and the stats name it was
// registered under.
type Backend struct {
	key       Key
	attrs     Attrs
	statsName string
	state     atomic.Int32 // probe.State; zero value is probe.StateUnknown
}

// State returns the backend's last-reported probe state. Backends created
// without a probe Template stay at probe.StateUnknown forever, which
// Eligible reports as eligible; callers that need to distinguish "no probe
// attached" from "probe says unknown" should check Attrs().Probe == nil
// directly (spec §3 invariant 5).
func (b *Backend) State() probe.State {
	return probe.State(b.state.Load())
}

func (b *Backend) setState(s probe.State) {
	b.state.Store(int32(s))
}

// Eligible reports whether this backend may currently be picked: it has no
// probe attached, or its last-reported state is healthy or unknown.
func (b *Backend) Eligible() bool {
	return b.attrs.Probe == nil || b.State().Eligible()
}

// Key returns the full endpoint key this backend was created for (always
// the full triple, regardless of the registry's Scope).
func (b *Backend) Key() Key { return b.key }

// Attrs returns the attributes the backend was created with.
func (b *Backend) Attrs() Attrs { return b.attrs }

// StatsName returns the name this backend is registered under with the
// host's stats subsystem.
func (b *Backend) StatsName() string { return b.statsName }

type entry struct {
	backend  *Backend
	refCount int
	prober   io.Closer
}

// Registry is a scoped, reference-counted map of Backend Objects.
type Registry struct {
	scope Scope
	host  StatsHost

	mu      sync.Mutex
	entries map[Key]*entry
}

// New creates an empty Registry with the given scope. host may be nil (it
// defaults to NopStatsHost).
func New(scope Scope, host StatsHost) *Registry {
	if host == nil {
		host = NopStatsHost
	}
	return &Registry{scope: scope, host: host, entries: make(map[Key]*entry)}
}

// Scope returns the registry's sharing scope.
func (r *Registry) Scope() Scope { return r.scope }

// Ref is an acquired handle to a Backend Object. It must be released
// exactly once via Release, from the same Domain worker goroutine that
// published the Address Set referencing it (spec §5 "Resource discipline").
type Ref struct {
	registry *Registry
	dedup    Key
	backend  *Backend
}

// Backend returns the underlying Backend Object.
func (r Ref) Backend() *Backend { return r.backend }

// Valid reports whether this Ref was actually populated by Acquire (the
// zero Ref is invalid).
func (r Ref) Valid() bool { return r.backend != nil }

// Acquire finds or creates the Backend Object for key. If a matching
// backend already exists (per the registry's Scope), its reference count is
// incremented and a Ref to it is returned with created=false. Otherwise a
// new Backend Object is constructed from attrs, registered with the host's
// stats subsystem, and (if attrs.Probe is non-nil) handed to checker to
// start health checking, before being returned at refcount 1 with
// created=true.
func (r *Registry) Acquire(key Key, attrs Attrs, checker probe.Checker) (ref Ref, created bool) {
	dedup := key.dedupKey(r.scope)

	r.mu.Lock()
	if e, ok := r.entries[dedup]; ok {
		e.refCount++
		r.mu.Unlock()
		return Ref{registry: r, dedup: dedup, backend: e.backend}, false
	}

	backend := &Backend{key: key, attrs: attrs, statsName: attrs.StatsName}
	e := &entry{backend: backend, refCount: 1}
	r.entries[dedup] = e
	r.host.Register(backend.statsName)
	r.mu.Unlock()

	// The checker is started outside the lock: it may report a first state
	// synchronously through the tracker, which takes r.mu itself.
	if attrs.Probe != nil && checker != nil {
		prober := checker.New(context.Background(), dedup, attrs.Probe, (*registryTracker)(r))
		r.mu.Lock()
		e.prober = prober
		r.mu.Unlock()
	}
	return Ref{registry: r, dedup: dedup, backend: backend}, true
}

// Release decrements the reference count for ref's backend. At zero, any
// running probe process is stopped, the backend is deregistered from the
// host's stats subsystem, and it is removed from the registry. Releasing
// the zero Ref is a no-op.
func (r *Registry) Release(ref Ref) {
	if !ref.Valid() {
		return
	}
	r.mu.Lock()
	e, ok := r.entries[ref.dedup]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refCount--
	if e.refCount > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, ref.dedup)
	r.host.Deregister(e.backend.statsName)
	r.mu.Unlock()

	if e.prober != nil {
		_ = e.prober.Close()
	}
}

// registryTracker adapts *Registry to probe.Tracker without exporting the
// method on Registry itself (UpdateState is only ever called by a Checker,
// never by application code).
type registryTracker Registry

func (rt *registryTracker) UpdateState(key any, state probe.State) {
	dedup, ok := key.(Key)
	if !ok {
		return
	}
	r := (*Registry)(rt)
	r.mu.Lock()
	e, ok := r.entries[dedup]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.backend.setState(state)
}

// Len reports the number of distinct Backend Objects currently registered.
// Intended for tests/observability, not the hot path.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RefCount reports the current reference count for key, or 0 if absent.
// Intended for tests.
func (r *Registry) RefCount(key Key) int {
	dedup := key.dedupKey(r.scope)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[dedup]; ok {
		return e.refCount
	}
	return 0
}

// StatsName formats the host's stats name for an endpoint key, per spec §3:
// "director(host.addr:port)" when host is non-empty, else "director(addr:port)".
func StatsName(director string, key Key) string {
	if key.Host != "" {
		return director + "(" + key.Host + "." + key.Address + ":" + key.Port + ")"
	}
	return director + "(" + key.Address + ":" + key.Port + ")"
}
