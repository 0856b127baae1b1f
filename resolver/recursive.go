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
	"net"
	"time"
)

// Namespace is one of the name spaces a recursive client can be told to
// consult, per spec §4.1.
type Namespace int

const (
	NamespaceDNS Namespace = iota
	NamespaceLocalNames
	NamespaceNetBIOS
	NamespaceMDNS
	NamespaceNIS
)

// Transport is one of the wire transports a recursive client may use to
// reach an upstream server, per spec §4.1. Order in RecursiveConfig.Transports
// is significant: it is the order attempted.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportTLS
)

// RecursionMode selects whether the recursive client performs full
// recursive resolution itself or defers to an upstream recursive server.
type RecursionMode int

const (
	// Recursing performs iterative/recursive resolution itself.
	Recursing RecursionMode = iota
	// Stub forwards every query to an upstream resolver and trusts its
	// answer.
	Stub
)

// RecursiveConfig is the mutable, init-only builder for a recursive DNS
// client. Per spec §9's two-phase design note, every setter on this type may
// only be called before [RecursiveConfig.Build]; attempting to mutate a
// frozen config is a configuration error. Build returns an immutable,
// runtime-only *Recursive.
type RecursiveConfig struct {
	frozen bool

	namespaces        []Namespace
	transports        []Transport
	idleTimeout       time.Duration
	queryTimeout      time.Duration
	outstandingLimit  int
	followRedirects   bool
	mode              RecursionMode
	parallelContexts  int
	upstreamAddresses []string
}

// NewRecursiveConfig returns a builder with the spec's defaults: DNS
// namespace only, UDP then TCP transports, a 5s query timeout, no
// outstanding-query limit, redirects followed, recursing mode, and 32
// parallel resolution contexts.
func NewRecursiveConfig() *RecursiveConfig {
	return &RecursiveConfig{
		namespaces:       []Namespace{NamespaceDNS},
		transports:       []Transport{TransportUDP, TransportTCP},
		queryTimeout:     5 * time.Second,
		followRedirects:  true,
		mode:             Recursing,
		parallelContexts: 32,
	}
}

func (c *RecursiveConfig) mustBeMutable() {
	if c.frozen {
		panic(&ConfigurationErrorPanic{Reason: "cannot modify a recursive resolver config after Build"})
	}
}

// ConfigurationErrorPanic is the value a setter panics with when called on
// a config already frozen by Build, and the error Build returns when the
// config is invalid.
type ConfigurationErrorPanic struct{ Reason string }

func (e *ConfigurationErrorPanic) Error() string { return e.Reason }

func (c *RecursiveConfig) SetNamespaces(namespaces ...Namespace) *RecursiveConfig {
	c.mustBeMutable()
	c.namespaces = append([]Namespace(nil), namespaces...)
	return c
}

func (c *RecursiveConfig) SetTransports(transports ...Transport) *RecursiveConfig {
	c.mustBeMutable()
	c.transports = append([]Transport(nil), transports...)
	return c
}

func (c *RecursiveConfig) SetIdleTimeout(d time.Duration) *RecursiveConfig {
	c.mustBeMutable()
	c.idleTimeout = d
	return c
}

func (c *RecursiveConfig) SetQueryTimeout(d time.Duration) *RecursiveConfig {
	c.mustBeMutable()
	c.queryTimeout = d
	return c
}

func (c *RecursiveConfig) SetOutstandingLimit(n int) *RecursiveConfig {
	c.mustBeMutable()
	c.outstandingLimit = n
	return c
}

func (c *RecursiveConfig) SetFollowRedirects(follow bool) *RecursiveConfig {
	c.mustBeMutable()
	c.followRedirects = follow
	return c
}

func (c *RecursiveConfig) SetRecursionMode(mode RecursionMode) *RecursiveConfig {
	c.mustBeMutable()
	c.mode = mode
	return c
}

// SetParallelContexts sets the size of the resolve-context pool (spec §4.1
// "Context pool"): the number of resolutions the client will perform
// concurrently before further Resolve calls block waiting for a free slot.
func (c *RecursiveConfig) SetParallelContexts(n int) *RecursiveConfig {
	c.mustBeMutable()
	c.parallelContexts = n
	return c
}

// SetUpstreamAddresses records upstream server addresses in the config.
// Lookups made by the built client do not read them: they always go to the
// system's configured resolvers.
func (c *RecursiveConfig) SetUpstreamAddresses(addrs ...string) *RecursiveConfig {
	c.mustBeMutable()
	c.upstreamAddresses = append([]string(nil), addrs...)
	return c
}

// Build freezes the config and returns an immutable, runtime-only client.
// It is itself idempotent: calling Build twice on the same config returns
// two independent clients sharing the same (now frozen) settings.
func (c *RecursiveConfig) Build() (client *Recursive, err error) {
	defer func() {
		if r := recover(); r != nil {
			if cfgErr, ok := r.(*ConfigurationErrorPanic); ok {
				err = cfgErr
				return
			}
			panic(r)
		}
	}()
	if c.parallelContexts <= 0 {
		return nil, &ConfigurationErrorPanic{Reason: "parallel context pool size must be positive"}
	}
	c.frozen = true
	tokens := make(chan struct{}, c.parallelContexts)
	for i := 0; i < c.parallelContexts; i++ {
		tokens <- struct{}{}
	}
	return &Recursive{
		cfg:    *c,
		tokens: tokens,
		netRes: &net.Resolver{PreferGo: true},
	}, nil
}

// Recursive is an immutable, runtime-only recursive DNS client. It
// implements both [Resolver] and [ServiceResolver]. Construct one with
// [NewRecursiveConfig] and [RecursiveConfig.Build].
//
// This is a thin, dependency-free stand-in for a real recursive resolver
// library (the kind with its own wire-format codec, transports and caches);
// per spec §1 that codec is out of scope for this module ("does not parse
// DNS wire format") and is delegated here to Go's own (non-cgo) resolver
// path. Of the config's settings, only the query timeout and the
// context-pool size affect lookups; namespaces, transports, idle timeout,
// outstanding-query limit, redirect following, recursion mode and upstream
// addresses are stored but not used.
type Recursive struct {
	cfg    RecursiveConfig
	tokens chan struct{}
	netRes *net.Resolver
}

var (
	_ Resolver        = (*Recursive)(nil)
	_ ServiceResolver = (*Recursive)(nil)
)

// acquire blocks until a context-pool slot is free, honoring ctx
// cancellation (spec §5 "Cancellation": "the recursive resolver must honour
// cancellation").
func (r *Recursive) acquire(ctx context.Context) error {
	select {
	case <-r.tokens:
		if err := ctx.Err(); err != nil {
			r.release()
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recursive) release() {
	select {
	case r.tokens <- struct{}{}:
	default:
	}
}

func (r *Recursive) Resolve(ctx context.Context, host, port string) ([]Address, time.Duration, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer r.release()

	queryCtx, cancel := context.WithTimeout(ctx, r.cfg.queryTimeout)
	defer cancel()

	numericPort, err := resolveNumericPort(port)
	if err != nil {
		return nil, 0, newGetaddrinfoError(0, err.Error())
	}

	ips, err := r.netRes.LookupIPAddr(queryCtx, host)
	if err != nil {
		return nil, 0, newGetaddrinfoError(errno(err), err.Error())
	}
	result := make([]Address, len(ips))
	for i, ip := range ips {
		result[i] = Address{
			HostPort: net.JoinHostPort(ip.IP.String(), numericPort),
			Hostname: host,
		}
	}
	// The stdlib resolver does not expose per-record TTLs, so, unlike a true
	// recursive client, this always reports ttl=0 and leaves TTL selection
	// to the domain's configured fallback (spec §4.3's ttl_from="cfg" path).
	return result, 0, nil
}

func (r *Recursive) ResolveService(ctx context.Context, name string) ([]SRVTarget, time.Duration, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer r.release()

	queryCtx, cancel := context.WithTimeout(ctx, r.cfg.queryTimeout)
	defer cancel()

	_, records, err := r.netRes.LookupSRV(queryCtx, "", "", name)
	if err != nil {
		return nil, 0, newGetaddrinfoError(errno(err), err.Error())
	}
	targets := make([]SRVTarget, len(records))
	for i, rec := range records {
		targets[i] = SRVTarget{
			Priority: rec.Priority,
			Weight:   rec.Weight,
			Target:   rec.Target,
			Port:     rec.Port,
		}
	}
	return targets, 0, nil
}
