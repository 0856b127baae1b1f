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

package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/net/idna"
)

// AddressFamilyAffinity controls which address family a [SystemResolver]
// prefers when a host has both A and AAAA records.
type AddressFamilyAffinity int

const (
	// AllFamilies uses every address returned, regardless of family.
	AllFamilies AddressFamilyAffinity = iota
	// PreferIPv4 uses only IPv4 addresses if any are present, otherwise
	// falls back to whatever was resolved.
	PreferIPv4
	// PreferIPv6 uses only IPv6 addresses if any are present, otherwise
	// falls back to whatever was resolved.
	PreferIPv6
)

// SystemResolver adapts the system's address-resolution service (Go's
// [net.Resolver]) to the [Resolver] interface. It is synchronous, never
// supplies a TTL (spec §4.1: "System resolver: ... no TTL"), and does not
// implement [ServiceResolver]: SRV lookups require a recursive client.
type SystemResolver struct {
	resolver *net.Resolver
	network  string // "ip", "ip4", or "ip6"
	affinity AddressFamilyAffinity
}

// NewSystemResolver builds a Resolver backed by res (net.DefaultResolver if
// nil). network is passed to LookupNetIP and must be "ip", "ip4", or "ip6".
func NewSystemResolver(res *net.Resolver, network string, affinity AddressFamilyAffinity) *SystemResolver {
	if res == nil {
		res = net.DefaultResolver
	}
	if network == "" {
		network = "ip"
	}
	return &SystemResolver{resolver: res, network: network, affinity: affinity}
}

func (r *SystemResolver) Resolve(ctx context.Context, host, port string) ([]Address, time.Duration, error) {
	normalizedHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not every host string is a DNS name (it could already be an IP
		// literal); fall back to the original rather than failing outright.
		normalizedHost = host
	}
	numericPort, err := resolveNumericPort(port)
	if err != nil {
		return nil, 0, newGetaddrinfoError(0, err.Error())
	}
	addrs, err := r.resolver.LookupNetIP(ctx, r.network, normalizedHost)
	if err != nil {
		return nil, 0, newGetaddrinfoError(errno(err), err.Error())
	}
	addrs = applyAffinity(addrs, r.affinity)
	result := make([]Address, len(addrs))
	for i, addr := range addrs {
		result[i] = Address{
			HostPort: net.JoinHostPort(addr.Unmap().String(), numericPort),
			Hostname: host,
		}
	}
	return result, 0, nil
}

func applyAffinity(addrs []netip.Addr, affinity AddressFamilyAffinity) []netip.Addr {
	switch affinity {
	case PreferIPv4:
		if filtered := filterFamily(addrs, true); len(filtered) > 0 {
			return filtered
		}
	case PreferIPv6:
		if filtered := filterFamily(addrs, false); len(filtered) > 0 {
			return filtered
		}
	case AllFamilies:
	}
	return addrs
}

func filterFamily(addrs []netip.Addr, ipv4 bool) []netip.Addr {
	filtered := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		is4 := addr.Is4() || addr.Is4In6()
		if is4 == ipv4 {
			filtered = append(filtered, addr)
		}
	}
	return filtered
}

// resolveNumericPort resolves a possibly-symbolic port (e.g. "http") to its
// numeric string form.
func resolveNumericPort(port string) (string, error) {
	if port == "" {
		return "", errors.New("no port specified")
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port, nil
	}
	n, err := net.LookupPort("tcp", port)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

// errno best-effort extracts a resolver-specific numeric code from a DNS
// error, for the "getaddrinfo <errno> (<reason>)" event text (spec §6). The
// system resolver does not always expose one; zero means "unknown".
func errno(err error) int {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return 1 // analogous to EAI_NONAME
		}
		if dnsErr.IsTimeout {
			return 2 // analogous to EAI_AGAIN
		}
	}
	return 0
}
