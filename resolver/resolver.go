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

// Package resolver provides a uniform view over the two name-resolution
// backends a Domain can be configured with: the system resolver (see
// [NewSystemResolver]) and a recursive DNS client (see [NewRecursiveConfig]).
// Both satisfy the single [Resolver] interface that the domain-lookup engine
// drives one cycle at a time: a Domain's worker goroutine calls Resolve
// itself, on its own schedule, rather than the resolver pushing updates -
// unlike the teacher package's continuously-subscribed Resolver, this one is
// single-shot per call, matching spec §4.1's resolve(host,port) contract.
package resolver

import (
	"context"
	"time"

	"github.com/dytarlatam/libvmod-dynamic/attribute"
)

// Address is one resolved endpoint. HostPort is an "address:port" pair
// (already numeric; symbolic ports are resolved before being placed here).
// Hostname is the name that was resolved, when the resolver supplies it (the
// system and recursive DNS resolvers always do); a domain uses it in the
// registry key only under HOST scope.
type Address struct {
	HostPort   string
	Hostname   string
	Attributes attribute.Values
}

// SRVTarget is one SRV record: a weighted, prioritized pointer at a target
// host and port, per RFC 2782.
type SRVTarget struct {
	Priority uint16
	Weight   uint16
	Target   string
	Port     uint16
}

// Resolver performs a single-shot resolution of a host/port pair into a set
// of addresses. Implementations must remove duplicate addresses from the
// result. The returned ttl is zero if the resolver has no TTL of its own to
// report (the caller, a Domain, falls back to its configured ttl in that
// case, per spec §4.3 "TTL selection").
type Resolver interface {
	// Resolve performs one resolution of host:port. port may be symbolic
	// (e.g. "http"); implementations resolve it to numeric form in the
	// returned addresses.
	Resolve(ctx context.Context, host, port string) (addrs []Address, ttl time.Duration, err error)
}

// ServiceResolver is satisfied by resolvers capable of SRV lookups. Calling
// [github.com/dytarlatam/libvmod-dynamic.Director.Service] on a director
// configured with a Resolver that does not also implement ServiceResolver
// fails at the call site with ErrUnsupportedOperation (spec §4.4 Note).
type ServiceResolver interface {
	Resolver
	ResolveService(ctx context.Context, name string) (targets []SRVTarget, ttl time.Duration, err error)
}
