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

import "fmt"

// Event names emitted through EventLogger. These are the literal tokens a
// host's log-grepping tooling should match on.
const (
	EventTimeout           = "timeout"
	EventDeleted           = "deleted"
	EventAdded             = "added"
	EventWhitelistMismatch = "whitelist mismatch"
	EventResolverFailure   = "getaddrinfo"
)

// logTag is the literal, greppable prefix every record carries, per the
// external logging contract.
const logTag = "vmod-dynamic"

// EventLogger receives structured lifecycle records from a Director and its
// domains. Implementations should be safe for concurrent use: records may
// arrive from many domain worker goroutines at once.
//
// The Director never imports a concrete logging library itself (the teacher
// package takes the same stance toward health checkers and pickers): callers
// wire in whatever sink - stdlib log, slog, or a host's own structured
// logger - by implementing this one method.
type EventLogger interface {
	// Log emits one structured record. vcl identifies the configuration
	// under which the director was loaded, director is the director's name,
	// nameTail is "<host>:<port>" for a domain under DIRECTOR scope,
	// "<host>.*:<port>" under HOST scope, or the service name for a service
	// domain, event is one of the Event* constants (or a
	// resolver-supplied event string), and extra carries any additional
	// free-form detail (may be empty).
	Log(vcl, director, nameTail, event, extra string)
}

// NopLogger discards every record. It is the default when no EventLogger is
// configured.
var NopLogger EventLogger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Log(string, string, string, string, string) {}

// logEvent forwards one record's fields, unformatted, to logger. Rendering
// them into the "vmod-dynamic: <vcl> <director> <name-tail> <event>
// [<extra>]" line is left to the logger (see formatRecord and WriterLogger).
func logEvent(logger EventLogger, vcl, director, nameTail, event, extra string) {
	if logger == nil {
		return
	}
	logger.Log(vcl, director, nameTail, event, extra)
}

// formatGetaddrinfo renders the "getaddrinfo <errno> (<reason>)" event text
// for a ResolverError.
func formatGetaddrinfo(err *ResolverError) string {
	return fmt.Sprintf("%s %d (%s)", EventResolverFailure, err.Code, err.Reason)
}

// formatRecord renders a record the way a plain-text sink (e.g. stdlib log) would
// print it, including the mandatory logTag.
func formatRecord(vcl, director, nameTail, event, extra string) string {
	if extra == "" {
		return fmt.Sprintf("%s: %s %s %s %s", logTag, vcl, director, nameTail, event)
	}
	return fmt.Sprintf("%s: %s %s %s %s %s", logTag, vcl, director, nameTail, event, extra)
}

// WriterLogger adapts any function taking a formatted line into an
// EventLogger, for callers who just want plain-text lines (e.g. to a
// stdlib *log.Logger's Print).
type WriterLogger func(line string)

func (w WriterLogger) Log(vcl, director, nameTail, event, extra string) {
	w(formatRecord(vcl, director, nameTail, event, extra))
}
