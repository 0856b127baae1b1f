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

package registry_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/dytarlatam/libvmod-dynamic/probe"
	"github.com/dytarlatam/libvmod-dynamic/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatsHost struct {
	mu          sync.Mutex
	registered  []string
	deregistered []string
}

func (h *fakeStatsHost) Register(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered = append(h.registered, name)
}

func (h *fakeStatsHost) Deregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deregistered = append(h.deregistered, name)
}

type fakeChecker struct {
	started int
	closed  int
	tracker probe.Tracker
	key     any
}

func (c *fakeChecker) New(_ context.Context, key any, _ *probe.Template, tracker probe.Tracker) io.Closer {
	c.started++
	c.key = key
	c.tracker = tracker
	return io.NopCloser(nil)
}

func TestAcquireDedupsByScope(t *testing.T) {
	t.Parallel()

	host := &fakeStatsHost{}
	reg := registry.New(registry.ScopeDirector, host)

	keyA := registry.Key{Address: "10.0.0.1", Port: "80", Host: "a.example.com"}
	keyB := registry.Key{Address: "10.0.0.1", Port: "80", Host: "b.example.com"}

	refA, created := reg.Acquire(keyA, registry.Attrs{StatsName: "backend(10.0.0.1:80)"}, nil)
	require.True(t, created)
	refB, created := reg.Acquire(keyB, registry.Attrs{StatsName: "backend(10.0.0.1:80)"}, nil)
	assert.False(t, created, "ScopeDirector dedups on address:port regardless of hostname")
	assert.Same(t, refA.Backend(), refB.Backend())
	assert.Equal(t, 2, reg.RefCount(keyA))
	assert.Equal(t, 1, len(host.registered))
}

func TestAcquireHostScopeKeepsHostnamesDistinct(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.ScopeHost, nil)
	keyA := registry.Key{Address: "10.0.0.1", Port: "80", Host: "a.example.com"}
	keyB := registry.Key{Address: "10.0.0.1", Port: "80", Host: "b.example.com"}

	refA, _ := reg.Acquire(keyA, registry.Attrs{}, nil)
	refB, created := reg.Acquire(keyB, registry.Attrs{}, nil)
	assert.True(t, created)
	assert.NotSame(t, refA.Backend(), refB.Backend())
	assert.Equal(t, 2, reg.Len())
}

func TestReleaseDeregistersAtZero(t *testing.T) {
	t.Parallel()

	host := &fakeStatsHost{}
	reg := registry.New(registry.ScopeDirector, host)
	key := registry.Key{Address: "10.0.0.1", Port: "80"}

	ref1, _ := reg.Acquire(key, registry.Attrs{StatsName: "backend"}, nil)
	ref2, _ := reg.Acquire(key, registry.Attrs{StatsName: "backend"}, nil)
	assert.Equal(t, 2, reg.RefCount(key))

	reg.Release(ref1)
	assert.Equal(t, 1, reg.RefCount(key))
	assert.Empty(t, host.deregistered)

	reg.Release(ref2)
	assert.Equal(t, 0, reg.RefCount(key))
	assert.Equal(t, []string{"backend"}, host.deregistered)
	assert.Equal(t, 0, reg.Len())
}

func TestReleaseZeroRefIsNoop(t *testing.T) {
	t.Parallel()
	reg := registry.New(registry.ScopeDirector, nil)
	assert.NotPanics(t, func() { reg.Release(registry.Ref{}) })
}

func TestAcquireStartsProbeOnlyWhenTemplateConfigured(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.ScopeDirector, nil)
	checker := &fakeChecker{}

	_, _ = reg.Acquire(registry.Key{Address: "10.0.0.1", Port: "80"}, registry.Attrs{}, checker)
	assert.Equal(t, 0, checker.started, "no probe template means no checker is started")

	key := registry.Key{Address: "10.0.0.2", Port: "80"}
	ref, _ := reg.Acquire(key, registry.Attrs{Probe: &probe.Template{}}, checker)
	assert.Equal(t, 1, checker.started)
	assert.True(t, ref.Backend().Eligible(), "StateUnknown is eligible until the probe reports otherwise")

	checker.tracker.UpdateState(key, probe.StateUnhealthy)
	assert.False(t, ref.Backend().Eligible())
}

func TestBackendEligibleWithoutProbe(t *testing.T) {
	t.Parallel()
	reg := registry.New(registry.ScopeDirector, nil)
	ref, _ := reg.Acquire(registry.Key{Address: "10.0.0.1", Port: "80"}, registry.Attrs{}, nil)
	assert.True(t, ref.Backend().Eligible())
}

func TestStatsNameFormatting(t *testing.T) {
	t.Parallel()
	withHost := registry.Key{Address: "10.0.0.1", Port: "80", Host: "example.com"}
	withoutHost := registry.Key{Address: "10.0.0.1", Port: "80"}

	assert.Equal(t, "mydirector(example.com.10.0.0.1:80)", registry.StatsName("mydirector", withHost))
	assert.Equal(t, "mydirector(10.0.0.1:80)", registry.StatsName("mydirector", withoutHost))
}
