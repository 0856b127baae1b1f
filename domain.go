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
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dytarlatam/libvmod-dynamic/internal"
	"github.com/dytarlatam/libvmod-dynamic/picker"
	"github.com/dytarlatam/libvmod-dynamic/registry"
	"github.com/dytarlatam/libvmod-dynamic/resolver"
)

type domainState int32

const (
	domainCold domainState = iota
	domainWarm
	domainExiting
	domainDone
)

// addressSet is the immutable snapshot a domain publishes each resolve
// cycle (spec §5 "Address Set publication"). Entries are kept in the order
// reconcile produced them: surviving members first, in their prior order,
// then newly-acquired members appended.
type addressSet struct {
	entries []registry.Ref
}

func (s *addressSet) len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// domain is the worker for one (host, port) pair (spec §4.3). It owns an
// Address Set of acquired Backend Registry refs, resolved and reconciled on
// its own schedule by a single background goroutine, and published for
// lock-free reads via an atomic pointer swap - the same discipline the
// teacher package's balancer.go uses to publish a freshly-reconciled conn
// list without blocking picks in flight.
type domain struct {
	director *Director
	host     string
	port     string

	set   atomic.Pointer[addressSet]
	cursor picker.Cursor

	lastUseNano atomic.Int64
	state       atomic.Int32

	mu         sync.Mutex
	coldSignal chan struct{}
	coldErr    error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newDomain(d *Director, host, port string) *domain {
	dom := &domain{
		director:   d,
		host:       host,
		port:       port,
		coldSignal: make(chan struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	dom.set.Store(&addressSet{})
	dom.touch()
	return dom
}

func (dom *domain) touch() {
	dom.lastUseNano.Store(int64(dom.director.opts.clock.Now().UnixNano()))
}

func (dom *domain) nameTail() string {
	if dom.director.opts.share == registry.ScopeHost {
		return dom.host + ".*:" + dom.port
	}
	return dom.host + ":" + dom.port
}

func (dom *domain) start() {
	go dom.run()
}

// stop requests the worker exit at the next opportunity. Idempotent.
func (dom *domain) stop() {
	dom.stopOnce.Do(func() { close(dom.stopCh) })
}

// pick blocks (up to the director's first_lookup_timeout) while the domain
// is cold, then returns a Ref chosen round-robin from the current Address
// Set's eligible members (spec §4.3 "Reads", §3 invariant 5).
func (dom *domain) pick(ctx context.Context) (registry.Ref, error) {
	dom.touch()

	timeout := dom.director.opts.firstLookupTimeout
	deadline := dom.director.opts.clock.Now().Add(timeout)
	for domainState(dom.state.Load()) == domainCold {
		if timeout <= 0 {
			return registry.Ref{}, ErrColdTimeout
		}

		dom.mu.Lock()
		ch := dom.coldSignal
		dom.mu.Unlock()

		remaining := deadline.Sub(dom.director.opts.clock.Now())
		if remaining <= 0 {
			return registry.Ref{}, ErrColdTimeout
		}

		select {
		case <-ch:
			// Loop around: re-check state under the (possibly still cold)
			// signal that was just closed.
		case <-dom.director.opts.clock.After(remaining):
			return registry.Ref{}, ErrColdTimeout
		case <-ctx.Done():
			return registry.Ref{}, ctx.Err()
		case <-dom.doneCh:
			return registry.Ref{}, ErrColdTimeout
		}
	}

	if domainState(dom.state.Load()) != domainWarm {
		return registry.Ref{}, ErrColdTimeout
	}

	set := dom.set.Load()
	return pickEligible(set, &dom.cursor)
}

// pickEligible chooses a round-robin member of set whose backend is
// currently eligible (spec §3 invariant 5): starting at the cursor's next
// offset, it examines each member at most once before giving up.
func pickEligible(set *addressSet, cursor *picker.Cursor) (registry.Ref, error) {
	n := set.len()
	if n == 0 {
		return registry.Ref{}, ErrNoHealthyBackend
	}
	start := cursor.Next(n)
	for i := 0; i < n; i++ {
		ref := set.entries[(start+i)%n]
		if ref.Backend().Eligible() {
			return ref, nil
		}
	}
	return registry.Ref{}, ErrNoHealthyBackend
}

// run is the worker goroutine body: the Cold -> Warm -> Exiting -> Done
// state machine (spec §4.3). Structurally this mirrors the teacher
// package's pollingResolverTask.run - a timer-driven loop selecting between
// a stop signal and the next scheduled action - generalized with the
// Warm-state idle timeout and the Cold/Warm TTL bookkeeping this spec adds.
func (dom *domain) run() {
	defer close(dom.doneCh)
	defer dom.director.unlinkDomain(dom.host, dom.port)

	ttl := dom.director.opts.ttl

	if dom.resolveCycle(&ttl) {
		return
	}

	for {
		select {
		case <-dom.stopCh:
			dom.exit()
			return
		case <-dom.director.opts.clock.After(ttl):
		}

		if domainState(dom.state.Load()) == domainWarm {
			idle := dom.director.opts.clock.Now().Sub(time.Unix(0, dom.lastUseNano.Load()))
			if idle > dom.director.opts.domainUsageTimeout {
				dom.director.log(dom.nameTail(), EventTimeout, "")
				dom.exit()
				return
			}
		}

		if dom.resolveCycle(&ttl) {
			return
		}
	}
}

// resolveCycle performs one resolve-and-reconcile pass, reporting whether
// the worker observed a stop and must exit without waiting for the next
// tick. The idle check in run above always runs before this, so a domain
// due for eviction never performs one extra resolve on its way out.
func (dom *domain) resolveCycle(ttl *time.Duration) bool {
	select {
	case <-dom.stopCh:
		dom.exit()
		return true
	default:
	}

	resolveCtx, cancel := dom.stopAwareContext()
	addrs, resolvedTTL, err := dom.director.opts.resolver.Resolve(resolveCtx, dom.host, dom.port)
	cancel()

	wasCold := domainState(dom.state.Load()) == domainCold

	if err != nil {
		dom.onResolveFailure(err, wasCold)
	} else {
		*ttl = dom.computeTTL(resolvedTTL, *ttl)
		dom.onResolveSuccess(addrs, wasCold)
	}
	return false
}

func (dom *domain) stopAwareContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-dom.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// computeTTL applies the director's ttl_from policy (spec §4.3 "TTL
// selection").
func (dom *domain) computeTTL(resolved, configured time.Duration) time.Duration {
	switch dom.director.opts.ttlFrom {
	case TTLFromDNS:
		if resolved > 0 {
			return resolved
		}
		return configured
	case TTLFromMin:
		if resolved > 0 && resolved < configured {
			return resolved
		}
		return configured
	case TTLFromMax:
		if resolved > configured {
			return resolved
		}
		return configured
	default: // TTLFromConfig
		return configured
	}
}

func (dom *domain) onResolveFailure(err error, wasCold bool) {
	dom.director.log(dom.nameTail(), EventResolverFailure, resolverFailureDetail(err))
	if wasCold {
		dom.signalCold(err)
	}
	// A failed resolve never tears down an already-published Warm address
	// set (spec §4.3 "a failed resolve while Warm leaves the Address Set
	// untouched, stale until the next successful cycle").
}

func (dom *domain) onResolveSuccess(addrs []resolver.Address, wasCold bool) {
	old := dom.set.Load()
	next, toRelease := dom.reconcile(old, addrs)

	if next.len() == 0 {
		// Spec §9 open question: an empty (post-whitelist) result is
		// propagated the same way a resolver failure is - the previous
		// Address Set, if any, is preserved rather than published empty.
		if old.len() > 0 {
			dom.director.log(dom.nameTail(), EventResolverFailure, ErrEmptyAddressSet.Error())
			if wasCold {
				dom.signalCold(ErrEmptyAddressSet)
			}
			return
		}
	}

	dom.set.Store(next)
	for _, ref := range toRelease {
		dom.director.reg.Release(ref)
	}

	if wasCold {
		dom.state.Store(int32(domainWarm))
		dom.signalCold(nil)
	}
}

func (dom *domain) signalCold(err error) {
	dom.mu.Lock()
	old := dom.coldSignal
	dom.coldSignal = make(chan struct{})
	dom.coldErr = err
	dom.mu.Unlock()
	close(old)
}

// reconcile computes the next Address Set from a fresh resolve, acquiring
// newly-seen endpoints from the Backend Registry and returning the refs of
// endpoints that dropped out of the result for the caller to release after
// publication (spec §5 "Resource discipline": acquire before publish,
// release after). Survivors keep their prior order; additions are appended
// in resolver order, except that a domain's very first population shuffles
// them first - the same "mitigate thundering herd" rationale the teacher's
// picker/roundrobin.go applies via internal.NewRand when it seeds a fresh
// connection list, so that many domains cutting over from Cold at once don't
// all send their first pick() to the same address. The round-robin cursor
// itself is never reset (spec §4.3).
func (dom *domain) reconcile(old *addressSet, addrs []resolver.Address) (*addressSet, []registry.Ref) {
	addrs = dom.applyMinAddresses(addrs)

	type wantedEntry struct {
		key  registry.Key
		addr resolver.Address
	}
	seen := make(map[registry.Key]bool, len(addrs))
	wanted := make([]wantedEntry, 0, len(addrs))
	for _, addr := range addrs {
		key, ok := dom.keyFor(addr)
		if !ok {
			continue
		}
		if !dom.allowed(key.Address) {
			dom.director.log(dom.nameTail(), EventWhitelistMismatch, key.Address)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		wanted = append(wanted, wantedEntry{key: key, addr: addr})
	}

	if old.len() == 0 && len(wanted) > 1 {
		rnd := internal.NewRand()
		rnd.Shuffle(len(wanted), func(i, j int) { wanted[i], wanted[j] = wanted[j], wanted[i] })
	}

	next := &addressSet{entries: make([]registry.Ref, 0, len(wanted))}
	var toRelease []registry.Ref

	existing := make(map[registry.Key]registry.Ref, old.len())
	for _, ref := range old.entries {
		key := ref.Backend().Key()
		existing[key] = ref
		if seen[key] {
			next.entries = append(next.entries, ref)
		} else {
			toRelease = append(toRelease, ref)
		}
	}

	for _, w := range wanted {
		if _, already := existing[w.key]; already {
			continue
		}
		ref, _ := dom.director.reg.Acquire(w.key, dom.attrsFor(w.addr), dom.director.opts.checker)
		next.entries = append(next.entries, ref)
		if dom.director.debugEnabled() {
			dom.director.log(dom.nameTail(), EventAdded, registry.StatsName(dom.director.name, w.key))
		}
	}

	for _, ref := range toRelease {
		if dom.director.debugEnabled() {
			dom.director.log(dom.nameTail(), EventDeleted, registry.StatsName(dom.director.name, ref.Backend().Key()))
		}
	}

	// No removals and no growth means nothing was actually added either
	// (every survivor already accounts for one entry): publish the prior
	// set unchanged rather than a new, content-identical one (spec §8
	// "Reconciliation with identical O and N leaves Address Set
	// pointer-identical - no spurious churn").
	if len(toRelease) == 0 && len(next.entries) == old.len() {
		return old, nil
	}

	return next, toRelease
}

func (dom *domain) keyFor(addr resolver.Address) (registry.Key, bool) {
	address, port, err := net.SplitHostPort(addr.HostPort)
	if err != nil {
		return registry.Key{}, false
	}
	hostname := addr.Hostname
	if dom.director.opts.share != registry.ScopeHost {
		hostname = ""
	}
	return registry.Key{Address: address, Port: port, Host: hostname}, true
}

func (dom *domain) allowed(address string) bool {
	if dom.director.opts.whitelist == nil {
		return true
	}
	return dom.director.opts.whitelist.Allowed(address)
}

func (dom *domain) attrsFor(addr resolver.Address) registry.Attrs {
	o := &dom.director.opts
	hostHeader := o.hostHeader
	if hostHeader == "" {
		hostHeader = dom.host
	}
	key, _ := dom.keyFor(addr)

	// The probe's Host-header follows a narrower rule than the backend's
	// own: under DIRECTOR scope it is host_header verbatim, with no
	// fallback, while only HOST scope falls back to the domain's hostname.
	probeHostHeader := o.hostHeader
	if probeHostHeader == "" && o.share == registry.ScopeHost {
		probeHostHeader = dom.host
	}
	var probeTemplate = o.probeTemplate
	if probeTemplate != nil {
		probeTemplate = probeTemplate.Clone(probeHostHeader)
	}
	return registry.Attrs{
		ConnectTimeout:      int64(o.connectTimeout),
		FirstByteTimeout:    int64(o.firstByteTimeout),
		BetweenBytesTimeout: int64(o.betweenBytesTimeout),
		MaxConnections:      o.maxConnections,
		ProxyHeader:         o.proxyHeader,
		HostHeader:          hostHeader,
		Probe:               probeTemplate,
		StatsName:           registry.StatsName(dom.director.name, key),
	}
}

// applyMinAddresses replicates resolved addresses, round-robin, until the
// slice has at least director's min_addresses entries (spec supplemental
// feature; see SPEC_FULL.md "Minimum-replication decoration"). A replica
// has the same registry key as its original, and reconcile keeps only the
// first entry for each key, so replication changes neither the Backend
// Objects acquired nor how often an address appears in pick() rotation.
func (dom *domain) applyMinAddresses(addrs []resolver.Address) []resolver.Address {
	wantMin := dom.director.opts.minAddresses
	if wantMin <= 0 || len(addrs) == 0 || len(addrs) >= wantMin {
		return addrs
	}
	replicated := make([]resolver.Address, 0, wantMin)
	for i := 0; len(replicated) < wantMin; i++ {
		replicated = append(replicated, addrs[i%len(addrs)])
	}
	return replicated
}

// exit transitions the domain through Exiting to Done, releasing every
// acquired ref and logging the deleted event before the Done transition.
func (dom *domain) exit() {
	dom.state.Store(int32(domainExiting))
	set := dom.set.Load()
	for _, ref := range set.entries {
		dom.director.reg.Release(ref)
	}
	dom.set.Store(&addressSet{})
	dom.director.log(dom.nameTail(), EventDeleted, "")
	dom.state.Store(int32(domainDone))
}

func resolverFailureDetail(err error) string {
	if rerr, ok := err.(*resolver.Error); ok {
		return fmt.Sprintf("%d (%s)", rerr.Code, rerr.Reason)
	}
	return err.Error()
}
