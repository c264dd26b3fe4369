// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package taxonomy defines the canonical failure kinds shared across the
// resolver, rate limiter, download engine and queue scheduler, and the
// retry-eligibility class each kind maps to.
package taxonomy

import (
	"errors"
	"fmt"
)

// Kind is a canonical error kind.
type Kind string

const (
	NoResolver        Kind = "no_resolver"
	TooManyRedirects  Kind = "too_many_redirects"
	AuthRequired      Kind = "auth_required"
	RateLimited       Kind = "rate_limited"
	NotFound          Kind = "not_found"
	Forbidden         Kind = "forbidden"
	BadRequest        Kind = "bad_request"
	Timeout           Kind = "timeout"
	ServerError       Kind = "server_error"
	ConnectionReset   Kind = "connection_reset"
	IntegrityMismatch Kind = "integrity_mismatch"
	RobotsDisallowed  Kind = "robots_disallowed"
	Persistence       Kind = "persistence"
	Internal          Kind = "internal"
)

// Class is the retry-eligibility classification a Kind maps to.
type Class string

const (
	ClassTransient    Class = "transient"
	ClassPermanent    Class = "permanent"
	ClassAuthRequired Class = "auth_required"
	ClassRateLimited  Class = "rate_limited"
	ClassInternal     Class = "internal"
)

// classOf is the default Kind-to-Class classification table.
var classOf = map[Kind]Class{
	NoResolver:        ClassPermanent,
	TooManyRedirects:  ClassPermanent,
	AuthRequired:      ClassAuthRequired,
	RateLimited:       ClassRateLimited,
	NotFound:          ClassPermanent,
	Forbidden:         ClassPermanent,
	BadRequest:        ClassPermanent,
	Timeout:           ClassTransient,
	ServerError:       ClassTransient,
	ConnectionReset:   ClassTransient,
	IntegrityMismatch: ClassTransient,
	RobotsDisallowed:  ClassPermanent, // surfaced as Skipped, not retried
	Persistence:       ClassInternal,
	Internal:          ClassInternal,
}

// remediation is the canonical remediation-hint template per kind.
var remediation = map[Kind]string{
	NoResolver:        "No resolver can handle this input",
	TooManyRedirects:  "Redirect/fallback chain exceeded the hop limit",
	AuthRequired:      "Capture cookies for %s",
	RateLimited:       "Waiting %ds",
	NotFound:          "Resource not found (404)",
	Forbidden:         "Access forbidden (403)",
	BadRequest:        "Server rejected the request (400)",
	Timeout:           "Request timed out, will retry",
	ServerError:       "Server error, will retry",
	ConnectionReset:   "Connection reset, will retry",
	IntegrityMismatch: "Downloaded content failed integrity check, will retry",
	RobotsDisallowed:  "Disallowed by robots.txt, skipped",
	Persistence:       "Internal storage error",
	Internal:          "Internal error",
}

// Class returns the retry classification for k.
func (k Kind) Class() Class {
	if c, ok := classOf[k]; ok {
		return c
	}
	return ClassInternal
}

// Error is the structured error carried across component boundaries.
// Rendering the three-part shape (what/why/what-to-do) is left to the
// presentation layer (internal/clierr); Error() stays terse and never
// includes credential material.
type Error struct {
	Kind Kind

	// Domain/Origin is populated when useful (AuthRequired domain,
	// RateLimited origin). Empty otherwise.
	Domain string

	// RetryAfterSeconds is set for RateLimited when the server supplied a value.
	RetryAfterSeconds int

	// Detail is a short machine-facing detail (e.g. HTTP status code),
	// never raw response bodies or credential material.
	Detail string

	cause error
}

func New(kind Kind, domain, detail string) *Error {
	return &Error{Kind: kind, Domain: domain, Detail: detail}
}

func Wrap(kind Kind, cause error, domain, detail string) *Error {
	return &Error{Kind: kind, Domain: domain, Detail: detail, cause: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Domain != "" {
		msg += " (" + e.Domain + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Remediation renders the canonical remediation hint for e.
func (e *Error) Remediation() string {
	tpl, ok := remediation[e.Kind]
	if !ok {
		return "Unclassified error"
	}
	switch e.Kind {
	case AuthRequired:
		return fmt.Sprintf(tpl, e.Domain)
	case RateLimited:
		return fmt.Sprintf(tpl, e.RetryAfterSeconds)
	default:
		return tpl
	}
}

// Class returns the retry classification for e.
func (e *Error) Class() Class { return e.Kind.Class() }

// As reports whether err is (or wraps) a *Error, mirroring errors.As for
// callers that don't want to import "errors" themselves.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// FromHTTPStatus classifies a raw HTTP status code into a Kind.
// retryAfterSeconds is non-zero when the response carried a Retry-After
// header.
func FromHTTPStatus(status int, retryAfterSeconds int) Kind {
	switch {
	case status == 401 || status == 403:
		return AuthRequired
	case (status == 429 || status == 503) && retryAfterSeconds > 0:
		return RateLimited
	case status == 404 || status == 410:
		return NotFound
	case status == 400:
		return BadRequest
	case status >= 400 && status < 500:
		return Forbidden
	case status >= 500:
		return ServerError
	default:
		return Internal
	}
}
