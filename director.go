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

package dynamic

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dytarlatam/libvmod-dynamic/internal"
	"github.com/dytarlatam/libvmod-dynamic/probe"
	"github.com/dytarlatam/libvmod-dynamic/registry"
	"github.com/dytarlatam/libvmod-dynamic/resolver"
)

// TTLFrom selects how a domain picks its resolve interval, per spec §4.3.
type TTLFrom int

const (
	// TTLFromConfig always uses the configured TTL. The only valid value
	// when the director's resolver is the system resolver.
	TTLFromConfig TTLFrom = iota
	// TTLFromDNS uses the resolver-reported TTL if present, else falls back
	// to the configured TTL.
	TTLFromDNS
	// TTLFromMin uses min(resolver TTL, configured TTL).
	TTLFromMin
	// TTLFromMax uses max(resolver TTL, configured TTL).
	TTLFromMax
)

// Whitelist filters resolved addresses before they are acquired from the
// Registry (spec §4.2 "Whitelist"). It is an external collaborator (the
// host's ACL evaluator, per spec §1); this package only calls it.
type Whitelist interface {
	Allowed(address string) bool
}

// NewCIDRWhitelist returns a Whitelist that allows an address only if it
// falls within one of the given CIDR blocks. A reasonable default
// implementation for callers who don't already have their own ACL
// evaluator to plug in.
func NewCIDRWhitelist(cidrs ...string) (Whitelist, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, configErrorf("invalid whitelist CIDR %q: %v", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return cidrWhitelist(nets), nil
}

type cidrWhitelist []*net.IPNet

func (w cidrWhitelist) Allowed(address string) bool {
	ip := net.ParseIP(address)
	if ip == nil {
		return false
	}
	for _, ipNet := range w {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Option customizes a Director constructed with New.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

type options struct {
	vcl                 string
	port                string
	hostHeader          string
	share               registry.Scope
	probeTemplate       *probe.Template
	checker             probe.Checker
	whitelist           Whitelist
	ttl                 time.Duration
	connectTimeout      time.Duration
	firstByteTimeout    time.Duration
	betweenBytesTimeout time.Duration
	domainUsageTimeout  time.Duration
	firstLookupTimeout  time.Duration
	firstLookupSet      bool
	maxConnections      int
	proxyHeader         int
	resolver            resolver.Resolver
	ttlFrom             TTLFrom
	minAddresses        int
	logger              EventLogger
	clock               internal.Clock
	statsHost           registry.StatsHost
}

// WithVCL sets the configuration identifier included in every log record
// (spec §6). Defaults to "".
func WithVCL(vcl string) Option {
	return optionFunc(func(o *options) { o.vcl = vcl })
}

// WithPort sets the default port for Backend calls that omit one. Accepts a
// numeric or symbolic (e.g. "http") port. Defaults to "http".
func WithPort(port string) Option {
	return optionFunc(func(o *options) { o.port = port })
}

// WithHostHeader sets the default Host header for backends and, under
// ScopeDirector, for probes.
func WithHostHeader(host string) Option {
	return optionFunc(func(o *options) { o.hostHeader = host })
}

// WithShare sets the Backend Registry sharing scope. Defaults to
// registry.ScopeDirector.
func WithShare(scope registry.Scope) Option {
	return optionFunc(func(o *options) { o.share = scope })
}

// WithProbe sets the probe template cloned per acquired backend, and the
// Checker used to run it.
func WithProbe(template *probe.Template, checker probe.Checker) Option {
	return optionFunc(func(o *options) {
		o.probeTemplate = template
		o.checker = checker
	})
}

// WithWhitelist sets the ACL filtering resolved addresses.
func WithWhitelist(whitelist Whitelist) Option {
	return optionFunc(func(o *options) { o.whitelist = whitelist })
}

// WithTTL sets the minimum resolve interval / fallback TTL. Defaults to one
// hour.
func WithTTL(ttl time.Duration) Option {
	return optionFunc(func(o *options) { o.ttl = ttl })
}

// WithTimeouts sets the per-backend I/O timeouts. A zero value for any
// field means "inherit host default" and is passed through unchanged.
func WithTimeouts(connect, firstByte, betweenBytes time.Duration) Option {
	return optionFunc(func(o *options) {
		o.connectTimeout = connect
		o.firstByteTimeout = firstByte
		o.betweenBytesTimeout = betweenBytes
	})
}

// WithDomainUsageTimeout sets how long a domain may go unused before its
// worker exits. Defaults to two hours.
func WithDomainUsageTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) { o.domainUsageTimeout = d })
}

// WithFirstLookupTimeout sets the maximum time Backend/Service will block on
// a cold domain. Defaults to 10 seconds. Zero means fail immediately if
// cold.
func WithFirstLookupTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.firstLookupTimeout = d
		o.firstLookupSet = true
	})
}

// WithMaxConnections sets the per-backend connection cap. Zero means
// unlimited.
func WithMaxConnections(n int) Option {
	return optionFunc(func(o *options) { o.maxConnections = n })
}

// WithProxyHeader sets the PROXY protocol version attached to backends: 0
// (off), 1, or 2. Any other value is a configuration error.
func WithProxyHeader(version int) Option {
	return optionFunc(func(o *options) { o.proxyHeader = version })
}

// WithResolver sets the Resolver used for all lookups. Defaults to a system
// resolver with AllFamilies affinity. Use a *resolver.Recursive (built via
// resolver.NewRecursiveConfig) to enable TTLFrom values other than
// TTLFromConfig and to support Service.
func WithResolver(r resolver.Resolver) Option {
	return optionFunc(func(o *options) { o.resolver = r })
}

// WithTTLFrom selects how the TTL for each resolve cycle is computed.
// Defaults to TTLFromConfig. Any value other than TTLFromConfig requires a
// resolver other than the system resolver.
func WithTTLFrom(mode TTLFrom) Option {
	return optionFunc(func(o *options) { o.ttlFrom = mode })
}

// WithMinAddresses replicates each resolve result, round-robin, until it
// has at least n entries before reconciliation. Replicas share their
// original's registry key and reconciliation keeps one entry per key, so
// the published address set still holds each distinct endpoint once. Zero
// (the default) disables replication.
func WithMinAddresses(n int) Option {
	return optionFunc(func(o *options) { o.minAddresses = n })
}

// WithLogger sets the sink for structured lifecycle events. Defaults to
// NopLogger.
func WithLogger(logger EventLogger) Option {
	return optionFunc(func(o *options) { o.logger = logger })
}

// WithStatsHost sets the host's stats-registration sink. Defaults to
// registry.NopStatsHost.
func WithStatsHost(host registry.StatsHost) Option {
	return optionFunc(func(o *options) { o.statsHost = host })
}

func (o *options) applyDefaults() {
	if o.port == "" {
		o.port = "http"
	}
	if o.ttl == 0 {
		o.ttl = time.Hour
	}
	if o.domainUsageTimeout == 0 {
		o.domainUsageTimeout = 2 * time.Hour
	}
	if !o.firstLookupSet {
		o.firstLookupTimeout = 10 * time.Second
	}
	if o.resolver == nil {
		o.resolver = resolver.NewSystemResolver(nil, "ip", resolver.AllFamilies)
	}
	if o.checker == nil {
		o.checker = probe.NopChecker
	}
	if o.logger == nil {
		o.logger = NopLogger
	}
	if o.statsHost == nil {
		o.statsHost = registry.NopStatsHost
	}
	if o.clock == nil {
		o.clock = internal.NewRealClock()
	}
}

func (o *options) validate() error {
	switch o.proxyHeader {
	case 0, 1, 2:
	default:
		return configErrorf("proxy_header must be 0, 1, or 2, got %d", o.proxyHeader)
	}
	if o.ttlFrom != TTLFromConfig {
		if _, isSystem := o.resolver.(*resolver.SystemResolver); isSystem {
			return configErrorf("ttl_from must be cfg when using the system resolver")
		}
	}
	return nil
}

// directorScopeRegistry is the process-wide Backend Registry shared by
// every Director constructed with registry.ScopeDirector (spec §9 "Global
// mutable state": "scope it to a process-wide map for DIRECTOR sharing").
// Because the registry is a single shared instance, its stats sink is fixed
// by whichever Director first triggers construction; a WithStatsHost option
// passed to a later ScopeDirector Director has no effect on it (a Director
// that needs its own stats sink should use WithShare(registry.ScopeHost)
// instead).
//
//nolint:gochecknoglobals
var (
	directorScopeRegistry     *registry.Registry
	directorScopeRegistryOnce sync.Once
)

func sharedDirectorScopeRegistry(host registry.StatsHost) *registry.Registry {
	directorScopeRegistryOnce.Do(func() {
		directorScopeRegistry = registry.New(registry.ScopeDirector, host)
	})
	return directorScopeRegistry
}

type domainKey struct {
	host, port string
}

// Director is the public entry point called from request processing (spec
// §4.5). It routes Backend/Service calls to a Domain or Service Domain,
// creating it on first use.
type Director struct {
	name string
	opts options
	reg  *registry.Registry

	debugFlag atomic.Bool
	cooling   atomic.Bool

	mu             sync.Mutex
	domains        map[domainKey]*domain
	serviceDomains map[string]*serviceDomain
}

// New constructs a Director with the given name and options.
func New(name string, opts ...Option) (*Director, error) {
	var o options
	for _, opt := range opts {
		opt.apply(&o)
	}
	o.applyDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}

	var reg *registry.Registry
	if o.share == registry.ScopeHost {
		reg = registry.New(registry.ScopeHost, o.statsHost)
	} else {
		reg = sharedDirectorScopeRegistry(o.statsHost)
	}

	return &Director{
		name:           name,
		opts:           o,
		reg:            reg,
		domains:        make(map[domainKey]*domain),
		serviceDomains: make(map[string]*serviceDomain),
	}, nil
}

// Debug toggles debug event emission (added/deleted per-backend records).
func (d *Director) Debug(enabled bool) {
	d.debugFlag.Store(enabled)
}

func (d *Director) debugEnabled() bool {
	return d.debugFlag.Load()
}

type requestHostKeyType struct{}

var requestHostKey = requestHostKeyType{}

// WithRequestHost attaches the in-flight request's Host header to ctx, so
// that Backend can pull it when called with an empty host (spec §4.5,
// §6 "Backend method inputs"). The host environment is expected to call
// this once per request before invoking Backend.
func WithRequestHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, requestHostKey, host)
}

func requestHostFromContext(ctx context.Context) (string, bool) {
	host, ok := ctx.Value(requestHostKey).(string)
	return host, ok && host != ""
}

// Backend finds or creates the Domain for (host,port) and returns a backend
// from its current address set. An empty host is taken from the in-flight
// request (see WithRequestHost); an empty port uses the director's
// configured default port.
func (d *Director) Backend(ctx context.Context, host, port string) (registry.Ref, error) {
	if host == "" {
		if h, ok := requestHostFromContext(ctx); ok {
			host = h
		}
	}
	if host == "" {
		return registry.Ref{}, configErrorf("empty host and no in-flight request host available")
	}
	if port == "" {
		port = d.opts.port
	}

	dom, err := d.getOrCreateDomain(host, port)
	if err != nil {
		return registry.Ref{}, err
	}
	return dom.pick(ctx)
}

func (d *Director) getOrCreateDomain(host, port string) (*domain, error) {
	key := domainKey{host: host, port: port}

	d.mu.Lock()
	defer d.mu.Unlock()

	if dom, ok := d.domains[key]; ok {
		return dom, nil
	}
	if d.cooling.Load() {
		return nil, ErrCooling
	}

	dom := newDomain(d, host, port)
	d.domains[key] = dom
	dom.start()
	return dom, nil
}

// unlinkDomain is called back by a domain's worker once it reaches Done
// (spec §4.3 "the worker calls back into director to unlink").
func (d *Director) unlinkDomain(host, port string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.domains, domainKey{host: host, port: port})
}

// Service finds or creates the Service Domain for name and returns a
// backend chosen from among its children (spec §4.4).
func (d *Director) Service(ctx context.Context, name string) (registry.Ref, error) {
	if name == "" {
		return registry.Ref{}, configErrorf("service name must not be empty")
	}
	svcResolver, ok := d.opts.resolver.(resolver.ServiceResolver)
	if !ok {
		return registry.Ref{}, ErrUnsupportedOperation
	}

	sd, err := d.getOrCreateServiceDomain(name, svcResolver)
	if err != nil {
		return registry.Ref{}, err
	}
	return sd.pick(ctx)
}

func (d *Director) getOrCreateServiceDomain(name string, svcResolver resolver.ServiceResolver) (*serviceDomain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sd, ok := d.serviceDomains[name]; ok {
		return sd, nil
	}
	if d.cooling.Load() {
		return nil, ErrCooling
	}

	sd := newServiceDomain(d, name, svcResolver)
	d.serviceDomains[name] = sd
	sd.start()
	return sd, nil
}

func (d *Director) unlinkServiceDomain(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.serviceDomains, name)
}

func (d *Director) log(nameTail, event, extra string) {
	logEvent(d.opts.logger, d.opts.vcl, d.name, nameTail, event, extra)
}
