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
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dytarlatam/libvmod-dynamic/probe"
	"github.com/dytarlatam/libvmod-dynamic/resolver"
)

// fakeResolveCall is one queued response for fakeResolver.Resolve.
type fakeResolveCall struct {
	addrs []resolver.Address
	ttl   time.Duration
	err   error
}

// fakeResolver is a [resolver.Resolver] driven entirely by a queue of
// pre-programmed responses, in the style of health/polling_test.go's
// fakeConnChan: once the queue is down to its last entry, further calls keep
// returning that entry rather than erroring, so tests only need to describe
// the cycles that matter and let steady-state refreshes repeat the last one.
type fakeResolver struct {
	mu    sync.Mutex
	queue []fakeResolveCall
	calls int
}

func (f *fakeResolver) push(calls ...fakeResolveCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, calls...)
}

func (f *fakeResolver) Resolve(_ context.Context, _, _ string) ([]resolver.Address, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.queue) == 0 {
		return nil, 0, errors.New("fakeResolver: no response queued")
	}
	next := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return next.addrs, next.ttl, next.err
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingResolver never returns until ctx is cancelled, for exercising the
// cold-timeout and stop()-cancels-in-flight-resolve paths.
type blockingResolver struct{}

func (blockingResolver) Resolve(ctx context.Context, _, _ string) ([]resolver.Address, time.Duration, error) {
	<-ctx.Done()
	return nil, 0, ctx.Err()
}

// denyList is a minimal Whitelist that rejects exactly the addresses named
// at construction.
type denyList map[string]bool

func (d denyList) Allowed(address string) bool { return !d[address] }

// captureLogger collects every record logged through it, for assertions on
// event shape and ordering without depending on a concrete text sink.
type captureLogger struct {
	mu      sync.Mutex
	records []capturedRecord
}

type capturedRecord struct {
	vcl, director, nameTail, event, extra string
}

func newCaptureLogger() *captureLogger { return &captureLogger{} }

func (c *captureLogger) Log(vcl, director, nameTail, event, extra string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, capturedRecord{vcl, director, nameTail, event, extra})
}

func (c *captureLogger) all() []capturedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedRecord(nil), c.records...)
}

func (c *captureLogger) hasEvent(event string) bool {
	for _, r := range c.all() {
		if r.event == event {
			return true
		}
	}
	return false
}

// fakeServiceResolver answers both Resolve (keyed by host) and ResolveService
// (a fixed set of SRV targets), so a serviceDomain's child domains and the
// serviceDomain itself can both be driven from one fake.
type fakeServiceResolver struct {
	mu                 sync.Mutex
	addrsByHost        map[string][]resolver.Address
	targets            []resolver.SRVTarget
	resolveServiceHits int
}

func newFakeServiceResolver() *fakeServiceResolver {
	return &fakeServiceResolver{addrsByHost: make(map[string][]resolver.Address)}
}

func (f *fakeServiceResolver) setAddrs(host string, addrs ...resolver.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrsByHost[host] = addrs
}

func (f *fakeServiceResolver) setTargets(targets ...resolver.SRVTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = targets
}

func (f *fakeServiceResolver) Resolve(_ context.Context, host, _ string) ([]resolver.Address, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs, ok := f.addrsByHost[host]
	if !ok {
		return nil, 0, errors.New("fakeServiceResolver: no address queued for " + host)
	}
	return addrs, 0, nil
}

func (f *fakeServiceResolver) ResolveService(_ context.Context, _ string) ([]resolver.SRVTarget, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveServiceHits++
	return f.targets, 0, nil
}

func (f *fakeServiceResolver) resolveServiceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveServiceHits
}

// unhealthyChecker reports every backend it is attached to as unhealthy the
// instant it is attached, synchronously, so a test can make a pick()
// observe an ineligible member without reaching into registry internals.
type unhealthyChecker struct{}

func (unhealthyChecker) New(_ context.Context, key any, _ *probe.Template, tracker probe.Tracker) io.Closer {
	tracker.UpdateState(key, probe.StateUnhealthy)
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var (
	_ resolver.Resolver        = (*fakeResolver)(nil)
	_ resolver.Resolver        = blockingResolver{}
	_ resolver.ServiceResolver = (*fakeServiceResolver)(nil)
	_ Whitelist                = denyList(nil)
	_ EventLogger              = (*captureLogger)(nil)
	_ probe.Checker            = unhealthyChecker{}
)
