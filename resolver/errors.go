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

import "fmt"

// Error is a resolver-failure, carrying the resolver-specific numeric code
// and textual reason required by spec §7. Code is 0 if the resolver has no
// numeric code to report (e.g. a recursive client's transport-level error).
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("getaddrinfo %d (%s)", e.Code, e.Reason)
}

func newGetaddrinfoError(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}
