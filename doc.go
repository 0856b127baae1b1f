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

// Package dynamic provides a dynamic backend director for an HTTP
// reverse-proxy host: given a symbolic host (and optional port) or an SRV
// service name, it resolves a live set of backend addresses, keeps that set
// fresh against a name resolver, shares backend objects across requests
// according to a configured sharing scope, and retires both stale addresses
// and whole idle domains.
//
// A [Director] is constructed with [New] and a set of [Option] values. Each
// call to [Director.Backend] or [Director.Service] finds or lazily creates a
// [*domain] (or service domain) for the requested name, which owns a
// background goroutine that repeatedly resolves, reconciles the result
// against the [github.com/dytarlatam/libvmod-dynamic/registry] Registry, and
// sleeps for the resolved TTL before resolving again.
//
// # Lifecycle
//
// A Director has three lifecycle events, mirroring a host's configuration
// reload cycle: [Director.Warm] (start accepting lookups), [Director.Cool]
// (stop creating new domains, but let existing ones keep running), and
// [Director.Discard] (wait for every domain to finish exiting, then release
// the director). These map to a VCL-style host's vcl_init/vcl_cold/discard
// events.
//
// # Sharing
//
// Backend objects are owned by a [github.com/dytarlatam/libvmod-dynamic/registry]
// Registry, not by any one domain. Under [registry.ScopeDirector], backends
// are keyed by address and port only, so two directors resolving the same
// address share the same backend object. Under [registry.ScopeHost], the
// resolved hostname is also part of the key, so distinct hostnames never
// share a backend even if they happen to resolve to the same address.
package dynamic
