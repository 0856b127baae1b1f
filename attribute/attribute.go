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

// Package attribute provides a type-safe container of custom metadata that
// can be attached to a resolved address or an endpoint key. A [Resolver] can
// attach arbitrary per-address attributes (e.g. an SRV weight, a geographic
// region, or a provenance tag), and a whitelist or picker can later read
// them back in a type-safe way using [GetValue].
//
// The following example declares a custom attribute carrying the SRV weight
// of a resolved target, and attaches it to an address:
//
//	var SRVWeight = attribute.NewKey[uint16]()
//
//	addr := resolver.Address{
//		HostPort:   "10.0.0.5:8080",
//		Attributes: attribute.NewValues(SRVWeight.Value(20)),
//	}
package attribute

// Values is an immutable collection of type-safe custom metadata values,
// keyed by [Key].
type Values struct {
	data map[any]any
}

// NewValues creates a new Values object holding the given values.
func NewValues(values ...Value) Values {
	if len(values) == 0 {
		return Values{}
	}
	data := make(map[any]any, len(values))
	for _, attr := range values {
		data[attr.key] = attr.value
	}
	return Values{data: data}
}

// Key is an attribute key. Applications should use [NewKey] to create a new
// key for each distinct attribute; the type parameter T is the type of
// values the attribute can have.
type Key[T any] struct {
	// can't be empty or else pointers won't be distinct
	_ bool
}

// NewKey returns a new key that can have values of type T. Each call to
// NewKey produces a distinct key (keys are identified by their address),
// even for repeated calls with the same T.
func NewKey[T any]() *Key[T] {
	return new(Key[T])
}

// Value constructs an Attr value for this key, to be passed to [NewValues].
func (k *Key[T]) Value(value T) Value {
	return Value{key: k, value: value}
}

// Value is a single custom attribute: a key paired with its value.
type Value struct {
	key, value any
}

// GetValue retrieves a single value from the given Values. If the key is
// absent, the zero value and false are returned.
func GetValue[T any](values Values, key *Key[T]) (value T, ok bool) {
	val, ok := values.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	tval, ok := val.(T)
	return tval, ok
}
