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

	"golang.org/x/sync/errgroup"
)

// Warm is the host environment's "config activated/reactivated" event hook
// (spec §4.6). Existing domains keep running unaffected; it only clears any
// Cool that preceded it, so Backend/Service start creating new domains
// again. It is intentionally idempotent: calling it on a director that was
// never cooled, or twice in a row, is a no-op.
func (d *Director) Warm() {
	d.cooling.Store(false)
}

// Cool is the host environment's "config about to be discarded" event hook
// (spec §4.6). It stops Backend/Service from creating new domains or
// service domains; existing ones keep serving traffic and keep refreshing
// on their own schedule. Cool must precede Discard.
func (d *Director) Cool() {
	d.cooling.Store(true)
}

// Discard is the host environment's "config discarded" event hook (spec
// §4.6). It stops every domain and service domain the director owns and
// waits for their worker goroutines to exit and release their Backend
// Registry refs, with no timeout - by design, matching the teardown
// discipline [github.com/bufbuild/httplb]'s balancer.go uses when closing
// its connection manager via an errgroup of per-connection closers. The
// caller should have already called Cool; Discard does not do so itself,
// since a discard racing a brand-new Backend call for a never-before-seen
// host would otherwise recreate the very domain being torn down.
func (d *Director) Discard(ctx context.Context) error {
	d.mu.Lock()
	domains := make([]*domain, 0, len(d.domains))
	for _, dom := range d.domains {
		domains = append(domains, dom)
	}
	serviceDomains := make([]*serviceDomain, 0, len(d.serviceDomains))
	for _, sd := range d.serviceDomains {
		serviceDomains = append(serviceDomains, sd)
	}
	d.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, dom := range domains {
		dom := dom
		group.Go(func() error {
			dom.stop()
			select {
			case <-dom.doneCh:
				return nil
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		})
	}
	for _, sd := range serviceDomains {
		sd := sd
		group.Go(func() error {
			sd.stop()
			select {
			case <-sd.doneCh:
				return nil
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		})
	}
	return group.Wait()
}
