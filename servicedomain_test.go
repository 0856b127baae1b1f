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
	"testing"
	"time"

	"github.com/dytarlatam/libvmod-dynamic/internal/clocktest"
	"github.com/dytarlatam/libvmod-dynamic/registry"
	"github.com/dytarlatam/libvmod-dynamic/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireServiceWarm(t *testing.T, sd *serviceDomain) {
	t.Helper()
	require.Eventually(t, func() bool {
		return domainState(sd.state.Load()) != domainCold
	}, time.Second, time.Millisecond)
	require.Equal(t, domainWarm, domainState(sd.state.Load()))
}

func TestServiceDomainSingleTargetReturnsItsChild(t *testing.T) {
	t.Parallel()

	res := newFakeServiceResolver()
	res.setAddrs("node1.example.com", resolver.Address{HostPort: "10.0.0.1:80"})
	res.setTargets(resolver.SRVTarget{Priority: 0, Weight: 1, Target: "node1.example.com.", Port: 80})

	d, err := New("dir", WithShare(registry.ScopeHost), WithResolver(res))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Discard(context.Background()) })

	ref, err := d.Service(context.Background(), "myservice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ref.Backend().Key().Address)
}

func TestServiceRejectsResolverWithoutServiceSupport(t *testing.T) {
	t.Parallel()

	fr := &fakeResolver{}
	d, err := New("dir", WithShare(registry.ScopeHost), WithResolver(fr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Discard(context.Background()) })

	_, err = d.Service(context.Background(), "myservice")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}

// TestServiceDomainTierFallthroughOnExhaustion gives the higher-priority
// tier a target that resolves to an empty address set (so its child domain
// comes up Warm but with nothing pickable) and a lower-priority tier a
// healthy target, then checks pick() falls through to the second tier
// rather than failing outright (spec §4.4 "fallthrough on exhaustion").
func TestServiceDomainTierFallthroughOnExhaustion(t *testing.T) {
	t.Parallel()

	res := newFakeServiceResolver()
	res.setAddrs("empty.example.com") // no addresses: child comes up Warm-but-empty
	res.setAddrs("backup.example.com", resolver.Address{HostPort: "10.0.0.9:80"})
	res.setTargets(
		resolver.SRVTarget{Priority: 0, Weight: 1, Target: "empty.example.com.", Port: 80},
		resolver.SRVTarget{Priority: 1, Weight: 1, Target: "backup.example.com.", Port: 80},
	)

	d, err := New("dir", WithShare(registry.ScopeHost), WithResolver(res))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Discard(context.Background()) })

	ref, err := d.Service(context.Background(), "myservice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", ref.Backend().Key().Address)
}

func TestServiceDomainAllTiersExhaustedFails(t *testing.T) {
	t.Parallel()

	res := newFakeServiceResolver()
	res.setAddrs("empty.example.com")
	res.setTargets(resolver.SRVTarget{Priority: 0, Weight: 1, Target: "empty.example.com.", Port: 80})

	d, err := New("dir", WithShare(registry.ScopeHost), WithResolver(res))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Discard(context.Background()) })

	_, err = d.Service(context.Background(), "myservice")
	assert.ErrorIs(t, err, ErrNoHealthyBackend)
}

// TestServiceDomainWeightedSelectionIsProportional is the spec §8 scenario
// 4 statistical property: within one priority tier, repeated picks land on
// each target with frequency proportional to its weight.
func TestServiceDomainWeightedSelectionIsProportional(t *testing.T) {
	t.Parallel()

	res := newFakeServiceResolver()
	res.setAddrs("light.example.com", resolver.Address{HostPort: "10.0.0.1:80"})
	res.setAddrs("heavy.example.com", resolver.Address{HostPort: "10.0.0.2:80"})
	res.setTargets(
		resolver.SRVTarget{Priority: 0, Weight: 1, Target: "light.example.com.", Port: 80},
		resolver.SRVTarget{Priority: 0, Weight: 4, Target: "heavy.example.com.", Port: 80},
	)

	d, err := New("dir", WithShare(registry.ScopeHost), WithResolver(res))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Discard(context.Background()) })

	// Warm the service (and its children) once before sampling.
	_, err = d.Service(context.Background(), "myservice")
	require.NoError(t, err)

	const samples = 5000
	counts := map[string]int{}
	for i := 0; i < samples; i++ {
		ref, err := d.Service(context.Background(), "myservice")
		require.NoError(t, err)
		counts[ref.Backend().Key().Address]++
	}

	total := counts["10.0.0.1"] + counts["10.0.0.2"]
	require.Equal(t, samples, total)

	lightFraction := float64(counts["10.0.0.1"]) / float64(total)
	heavyFraction := float64(counts["10.0.0.2"]) / float64(total)

	assert.InDelta(t, 0.2, lightFraction, 0.05, "weight 1 of 5 should land near 20%")
	assert.InDelta(t, 0.8, heavyFraction, 0.05, "weight 4 of 5 should land near 80%")
}

// TestServiceDomainSharesChildDomainWithDirectBackendCall checks that a
// service's SRV target and a plain Backend call for the same (host, port)
// resolve to the very same *domain worker, never two independent ones (spec
// §4.4 "ownership by reference, not ownership by value").
func TestServiceDomainSharesChildDomainWithDirectBackendCall(t *testing.T) {
	t.Parallel()

	res := newFakeServiceResolver()
	res.setAddrs("shared.example.com", resolver.Address{HostPort: "10.0.0.7:80"})
	res.setTargets(resolver.SRVTarget{Priority: 0, Weight: 1, Target: "shared.example.com.", Port: 80})

	d, err := New("dir", WithShare(registry.ScopeHost), WithResolver(res))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Discard(context.Background()) })

	_, err = d.Service(context.Background(), "myservice")
	require.NoError(t, err)

	d.mu.Lock()
	sd := d.serviceDomains["myservice"]
	d.mu.Unlock()
	require.NotNil(t, sd)
	requireServiceWarm(t, sd)

	set := sd.set.Load()
	require.Equal(t, 1, set.len())
	require.Len(t, set.tiers[0].children, 1)
	viaService := set.tiers[0].children[0]

	_, err = d.Backend(context.Background(), "shared.example.com", "80")
	require.NoError(t, err)

	d.mu.Lock()
	viaBackend, ok := d.domains[domainKey{host: "shared.example.com", port: "80"}]
	d.mu.Unlock()
	require.True(t, ok)

	assert.Same(t, viaService, viaBackend, "the SRV target and the direct Backend call must share one domain worker")
}

// TestServiceDomainIdleEvictionLeavesChildDomainsRunning checks that a
// service domain reaching Done through its own idle timeout does not stop
// the child domains it referenced, since other callers may still depend on
// them independently (spec §4.4).
func TestServiceDomainIdleEvictionLeavesChildDomainsRunning(t *testing.T) {
	t.Parallel()

	res := newFakeServiceResolver()
	res.setAddrs("node1.example.com", resolver.Address{HostPort: "10.0.0.1:80"})
	res.setTargets(resolver.SRVTarget{Priority: 0, Weight: 1, Target: "node1.example.com.", Port: 80})
	logger := newCaptureLogger()

	d, err := New("dir",
		WithShare(registry.ScopeHost),
		WithResolver(res),
		WithTTL(20*time.Millisecond),
		WithDomainUsageTimeout(50*time.Millisecond),
		WithLogger(logger),
	)
	require.NoError(t, err)
	testClock := clocktest.NewFakeClock()
	d.opts.clock = testClock
	t.Cleanup(func() { _ = d.Discard(context.Background()) })

	_, err = d.Service(context.Background(), "myservice")
	require.NoError(t, err)

	d.mu.Lock()
	sd := d.serviceDomains["myservice"]
	child := d.domains[domainKey{host: "node1.example.com", port: "80"}]
	d.mu.Unlock()
	require.NotNil(t, sd)
	require.NotNil(t, child)
	requireServiceWarm(t, sd)
	requireWarm(t, child)
	blockUntilClockWaiter(t, testClock, 2) // sd's and child's own TTL waits

	// Advance one TTL cycle, then touch the child directly (as an
	// independent Backend caller would) so its own idle clock resets while
	// the service domain's does not - isolating "the service evicted itself"
	// from "the child happened to idle out on the same schedule".
	testClock.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool { return res.resolveServiceCalls() >= 2 }, time.Second, time.Millisecond)
	_, err = d.Backend(context.Background(), "node1.example.com", "80")
	require.NoError(t, err)
	blockUntilClockWaiter(t, testClock, 2)

	testClock.Advance(40 * time.Millisecond)

	select {
	case <-sd.doneCh:
	case <-time.After(time.Second):
		t.Fatal("service domain did not reach Done within the deadline")
	}

	select {
	case <-child.doneCh:
		t.Fatal("child domain must not be stopped by its service domain's eviction")
	case <-time.After(20 * time.Millisecond):
	}

	ref, err := child.pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ref.Backend().Key().Address)

	// The service domain's own eviction must be logged as deleted under
	// its own name tail; the child must never get one of its own, since
	// nothing has stopped it.
	var sawServiceDeleted, sawChildDeleted bool
	for _, rec := range logger.all() {
		if rec.event != EventDeleted {
			continue
		}
		switch rec.nameTail {
		case sd.nameTail():
			sawServiceDeleted = true
		case child.nameTail():
			sawChildDeleted = true
		}
	}
	assert.True(t, sawServiceDeleted, "the service domain's eviction must log a deleted event")
	assert.False(t, sawChildDeleted, "the child domain must not log a deleted event since it was never stopped")
}

func TestServiceDomainComputeTTLModes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		mode       TTLFrom
		resolved   time.Duration
		configured time.Duration
		want       time.Duration
	}{
		{"cfg always wins", TTLFromConfig, 5 * time.Second, time.Minute, time.Minute},
		{"dns present", TTLFromDNS, 5 * time.Second, time.Minute, 5 * time.Second},
		{"min falls back when dns absent", TTLFromMin, 0, 5 * time.Second, 5 * time.Second},
		{"max picks larger", TTLFromMax, 5 * time.Minute, time.Minute, 5 * time.Minute},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, err := New("dir", WithShare(registry.ScopeHost), WithResolver(newFakeServiceResolver()), WithTTLFrom(tc.mode))
			require.NoError(t, err)
			sd := newServiceDomain(d, "svc", newFakeServiceResolver())
			got := sd.computeTTL(tc.resolved, tc.configured)
			assert.Equal(t, tc.want, got)
		})
	}
}
