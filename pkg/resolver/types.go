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

// Package resolver implements the resolver registry and priority-ordered
// fallback protocol: a ParsedItem's normalized identifier (or raw input)
// goes in, a ResolvedTarget with full provenance comes out.
package resolver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kraklabs/refdl/pkg/model"
)

// Priority orders resolver selection; lower values are tried first.
type Priority int

const (
	PrioritySpecialized Priority = iota
	PriorityGeneral
	PriorityFallback
)

// StepKind is the tag of the ResolveStep sum type.
type StepKind string

const (
	StepURL       StepKind = "url"
	StepRedirect  StepKind = "redirect"
	StepNeedsAuth StepKind = "needs_auth"
	StepFailed    StepKind = "failed"
)

// Step is the sum-type result a Resolver returns for one hop.
type Step struct {
	Kind StepKind

	Target *model.ResolvedTarget // set when Kind == StepURL
	Next   string                // set when Kind == StepRedirect

	AuthDomain string // set when Kind == StepNeedsAuth
	Err        error  // set when Kind == StepFailed
}

func URLStep(t model.ResolvedTarget) Step        { return Step{Kind: StepURL, Target: &t} }
func RedirectStep(next string) Step              { return Step{Kind: StepRedirect, Next: next} }
func NeedsAuthStep(domain string) Step           { return Step{Kind: StepNeedsAuth, AuthDomain: domain} }
func FailedStep(err error) Step                  { return Step{Kind: StepFailed, Err: err} }

// Context carries the shared collaborators resolvers may need.
type Context struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// MailtoIdentifier is attached to public metadata API requests.
	// NewRegistry does not validate it; NewDOIResolver is where an
	// identifier with control characters is rejected.
	MailtoIdentifier string
}

// Resolver is the capability set every resolver implements.
type Resolver interface {
	Name() string
	Priority() Priority
	CanHandle(input string) bool
	Resolve(ctx context.Context, input string, rc *Context) Step
}
