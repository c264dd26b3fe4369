// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package resolver

import (
	"context"
	"net/url"
	"strings"

	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/taxonomy"
)

// DirectURLResolver handles inputs that are already a concrete, absolute
// http(s) URL: it emits them as-is with no network call. It runs at
// Specialized priority so a bare URL never falls through to the generic
// fallback resolver unnecessarily.
type DirectURLResolver struct{}

func NewDirectURLResolver() *DirectURLResolver { return &DirectURLResolver{} }

func (r *DirectURLResolver) Name() string        { return "direct_url" }
func (r *DirectURLResolver) Priority() Priority  { return PrioritySpecialized }

func (r *DirectURLResolver) CanHandle(input string) bool {
	u, err := url.Parse(input)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (r *DirectURLResolver) Resolve(_ context.Context, input string, _ *Context) Step {
	u, err := url.Parse(input)
	if err != nil {
		return FailedStep(taxonomy.Wrap(taxonomy.NoResolver, err, "", "invalid url"))
	}
	origin := u.Scheme + "://" + u.Host
	return URLStep(model.ResolvedTarget{
		URL:          input,
		Origin:       origin,
		ResolverName: r.Name(),
	})
}

// GenericFallbackResolver is the Fallback-priority resolver guaranteeing
// CanHandle always has an answer: it treats whatever reaches it as an
// already-resolved URL if it looks even loosely like one, and otherwise
// fails with a NoResolver-shaped detail.
type GenericFallbackResolver struct{}

func NewGenericFallbackResolver() *GenericFallbackResolver { return &GenericFallbackResolver{} }

func (r *GenericFallbackResolver) Name() string       { return "generic_fallback" }
func (r *GenericFallbackResolver) Priority() Priority { return PriorityFallback }

func (r *GenericFallbackResolver) CanHandle(string) bool { return true }

func (r *GenericFallbackResolver) Resolve(_ context.Context, input string, _ *Context) Step {
	u, err := url.Parse(strings.TrimSpace(input))
	if err != nil || u.Host == "" {
		return FailedStep(taxonomy.New(taxonomy.NoResolver, "", "cannot resolve input to a URL: "+input))
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return URLStep(model.ResolvedTarget{
		URL:          scheme + "://" + u.Host + u.RequestURI(),
		Origin:       scheme + "://" + u.Host,
		ResolverName: r.Name(),
	})
}
