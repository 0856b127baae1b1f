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
	"errors"
	"fmt"
)

// Sentinel errors for the caller-facing failure kinds. Use [errors.Is] to
// test for them. Configuration errors are reported as *ConfigurationError
// values and resolver failures as the resolver's own error values, neither
// wrapping one of these sentinels.
var (
	// ErrColdTimeout is returned by Backend/Service when a domain has never
	// completed a successful resolve and first_lookup_timeout elapses.
	ErrColdTimeout = errors.New("dynamic: timed out waiting for first lookup")

	// ErrNoHealthyBackend is returned when a domain's address set has no
	// member whose probe state is healthy or unknown.
	ErrNoHealthyBackend = errors.New("dynamic: no healthy backend")

	// ErrEmptyAddressSet flags a resolve that succeeded but produced no
	// addresses (distinct from a resolver-failure, though it is treated the
	// same way for propagation purposes: old state, if any, is preserved).
	ErrEmptyAddressSet = errors.New("dynamic: resolve returned no addresses")

	// ErrUnsupportedOperation is returned by Service when the director was
	// not constructed with a resolver capable of SRV lookups.
	ErrUnsupportedOperation = errors.New("dynamic: operation requires a resolver with SRV support")

	// ErrCooling is returned by Backend/Service for a (host,port) or service
	// name that has no existing domain, once the director has been told to
	// Cool.
	ErrCooling = errors.New("dynamic: director is cooling, not creating new domains")
)

// ConfigurationError reports a problem detected while constructing a
// Director or a resolver, such as an invalid combination of options, or an
// invalid argument to Backend or Service (an empty host with no request
// host, an empty service name). It is not cleared by retrying the same call.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "dynamic: configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// ResolverError wraps a failure reported by a Resolver, preserving whatever
// resolver-specific code and textual reason it supplied.
type ResolverError struct {
	// Code is a resolver-specific numeric code (e.g. a getaddrinfo errno).
	// Zero if the resolver did not supply one.
	Code int
	// Reason is a human-readable description of the failure.
	Reason string
	// Err is the underlying error, if any, for use with errors.Unwrap.
	Err error
}

func (e *ResolverError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("dynamic: resolver failure %d (%s)", e.Code, e.Reason)
	}
	return "dynamic: resolver failure: " + e.Reason
}

func (e *ResolverError) Unwrap() error {
	return e.Err
}
