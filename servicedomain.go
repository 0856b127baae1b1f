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
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dytarlatam/libvmod-dynamic/picker"
	"github.com/dytarlatam/libvmod-dynamic/registry"
	"github.com/dytarlatam/libvmod-dynamic/resolver"
)

// serviceTier groups the SRV targets sharing one priority value (spec
// §4.4): within a tier, selection is weighted; a tier is only consulted once
// every member of every lower-numbered (higher-priority) tier has been
// tried and failed.
type serviceTier struct {
	priority uint16
	children []*domain
	weights  []uint16
}

type serviceSet struct {
	tiers []serviceTier
}

func (s *serviceSet) len() int {
	if s == nil {
		return 0
	}
	return len(s.tiers)
}

// serviceDomain is the worker for one SRV service name (spec §4.4). Unlike
// domain, it never acquires Backend Registry refs itself: each SRV target
// is a (host, port) pair that gets or creates the very same *domain a plain
// Director.Backend call for that pair would use. A serviceDomain holds
// those domains by reference only - it never stops them, since other
// callers (direct Backend calls, or other services) may be relying on the
// same domain independently (spec §4.4 "ownership by reference, not
// ownership by value").
type serviceDomain struct {
	director *Director
	name     string
	resolver resolver.ServiceResolver

	set atomic.Pointer[serviceSet]

	lastUseNano atomic.Int64
	state       atomic.Int32

	mu         sync.Mutex
	coldSignal chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newServiceDomain(d *Director, name string, res resolver.ServiceResolver) *serviceDomain {
	sd := &serviceDomain{
		director:   d,
		name:       name,
		resolver:   res,
		coldSignal: make(chan struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	sd.set.Store(&serviceSet{})
	sd.touch()
	return sd
}

func (sd *serviceDomain) touch() {
	sd.lastUseNano.Store(int64(sd.director.opts.clock.Now().UnixNano()))
}

func (sd *serviceDomain) nameTail() string {
	return sd.name
}

func (sd *serviceDomain) start() { go sd.run() }

func (sd *serviceDomain) stop() {
	sd.stopOnce.Do(func() { close(sd.stopCh) })
}

// pick waits out cold start like domain.pick, then walks tiers from
// highest priority (lowest number) down, at each tier making up to
// len(tier.children) weighted attempts before falling through to the next
// tier (spec §4.4 "fallthrough on exhaustion").
func (sd *serviceDomain) pick(ctx context.Context) (registry.Ref, error) {
	sd.touch()

	timeout := sd.director.opts.firstLookupTimeout
	deadline := sd.director.opts.clock.Now().Add(timeout)
	for domainState(sd.state.Load()) == domainCold {
		if timeout <= 0 {
			return registry.Ref{}, ErrColdTimeout
		}
		sd.mu.Lock()
		ch := sd.coldSignal
		sd.mu.Unlock()

		remaining := deadline.Sub(sd.director.opts.clock.Now())
		if remaining <= 0 {
			return registry.Ref{}, ErrColdTimeout
		}
		select {
		case <-ch:
		case <-sd.director.opts.clock.After(remaining):
			return registry.Ref{}, ErrColdTimeout
		case <-ctx.Done():
			return registry.Ref{}, ctx.Err()
		case <-sd.doneCh:
			return registry.Ref{}, ErrColdTimeout
		}
	}

	if domainState(sd.state.Load()) != domainWarm {
		return registry.Ref{}, ErrColdTimeout
	}

	set := sd.set.Load()
	for _, tier := range set.tiers {
		if len(tier.children) == 0 {
			continue
		}
		weights := append([]uint16(nil), tier.weights...)
		remainingIdx := make([]int, len(tier.children))
		for i := range remainingIdx {
			remainingIdx[i] = i
		}
		for len(remainingIdx) > 0 {
			choice := picker.WeightedIndex(weightsFor(remainingIdx, weights))
			childIdx := remainingIdx[choice]
			ref, err := tier.children[childIdx].pick(ctx)
			if err == nil {
				return ref, nil
			}
			remainingIdx = append(remainingIdx[:choice], remainingIdx[choice+1:]...)
		}
	}
	return registry.Ref{}, ErrNoHealthyBackend
}

func weightsFor(idx []int, weights []uint16) []uint16 {
	out := make([]uint16, len(idx))
	for i, j := range idx {
		out[i] = weights[j]
	}
	return out
}

func (sd *serviceDomain) run() {
	defer close(sd.doneCh)
	defer sd.director.unlinkServiceDomain(sd.name)

	ttl := sd.director.opts.ttl

	if sd.resolveCycle(&ttl) {
		return
	}

	for {
		select {
		case <-sd.stopCh:
			sd.exit()
			return
		case <-sd.director.opts.clock.After(ttl):
		}

		if domainState(sd.state.Load()) == domainWarm {
			idle := sd.director.opts.clock.Now().Sub(time.Unix(0, sd.lastUseNano.Load()))
			if idle > sd.director.opts.domainUsageTimeout {
				sd.director.log(sd.nameTail(), EventTimeout, "")
				sd.exit()
				return
			}
		}

		if sd.resolveCycle(&ttl) {
			return
		}
	}
}

// resolveCycle mirrors domain.resolveCycle: one resolve-and-reconcile pass,
// reporting whether the worker observed a stop and must exit immediately.
func (sd *serviceDomain) resolveCycle(ttl *time.Duration) bool {
	select {
	case <-sd.stopCh:
		sd.exit()
		return true
	default:
	}

	resolveCtx, cancel := sd.stopAwareContext()
	targets, resolvedTTL, err := sd.resolver.ResolveService(resolveCtx, sd.name)
	cancel()

	wasCold := domainState(sd.state.Load()) == domainCold

	if err != nil {
		sd.director.log(sd.nameTail(), EventResolverFailure, resolverFailureDetail(err))
		if wasCold {
			sd.signalCold()
		}
	} else {
		*ttl = sd.computeTTL(resolvedTTL, sd.director.opts.ttl)
		sd.onResolveSuccess(targets)
		if wasCold {
			sd.state.Store(int32(domainWarm))
			sd.signalCold()
		}
	}
	return false
}

// exit transitions the service domain to Done, emitting the deleted event.
// It never stops the child domains it referenced - those are owned by the
// director's domain map, not by this service domain.
func (sd *serviceDomain) exit() {
	sd.state.Store(int32(domainExiting))
	sd.director.log(sd.nameTail(), EventDeleted, "")
	sd.state.Store(int32(domainDone))
}

func (sd *serviceDomain) stopAwareContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sd.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (sd *serviceDomain) computeTTL(resolved, configured time.Duration) time.Duration {
	switch sd.director.opts.ttlFrom {
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
	default:
		return configured
	}
}

func (sd *serviceDomain) signalCold() {
	sd.mu.Lock()
	old := sd.coldSignal
	sd.coldSignal = make(chan struct{})
	sd.mu.Unlock()
	close(old)
}

// onResolveSuccess groups targets into priority tiers (lowest priority
// value first, per RFC 2782) and resolves each target's (host, port) to
// the director's shared *domain for that pair, creating it if this is the
// first reference to it.
func (sd *serviceDomain) onResolveSuccess(targets []resolver.SRVTarget) {
	byPriority := make(map[uint16][]resolver.SRVTarget)
	for _, t := range targets {
		byPriority[t.Priority] = append(byPriority[t.Priority], t)
	}
	priorities := make([]uint16, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

	tiers := make([]serviceTier, 0, len(priorities))
	for _, p := range priorities {
		group := byPriority[p]
		tier := serviceTier{
			priority: p,
			children: make([]*domain, 0, len(group)),
			weights:  make([]uint16, 0, len(group)),
		}
		for _, t := range group {
			host := strings.TrimSuffix(t.Target, ".")
			port := strconv.FormatUint(uint64(t.Port), 10)
			child, err := sd.director.getOrCreateDomain(host, port)
			if err != nil {
				continue
			}
			tier.children = append(tier.children, child)
			tier.weights = append(tier.weights, t.Weight)
		}
		if len(tier.children) > 0 {
			tiers = append(tiers, tier)
		}
	}
	sd.set.Store(&serviceSet{tiers: tiers})
}
