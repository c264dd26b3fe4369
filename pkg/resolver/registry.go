// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/taxonomy"
)

// MaxRedirects bounds the redirect-following chain so a misbehaving or
// cyclic resolver graph can never loop forever.
const MaxRedirects = 10

// Registry holds a declarative, priority-ordered set of resolvers and
// implements the resolution protocol: try resolvers in priority order,
// follow redirects up to MaxRedirects, and fall through to the next
// resolver on failure.
type Registry struct {
	resolvers []Resolver
	rc        *Context
}

// NewRegistry builds a registry from a declared list of resolvers. Ties in
// priority are broken by declaration order, so the input slice order is
// preserved by a stable sort.
func NewRegistry(resolvers []Resolver, rc *Context) *Registry {
	ordered := make([]Resolver, len(resolvers))
	copy(ordered, resolvers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	if rc.HTTPClient == nil {
		rc.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if rc.Logger == nil {
		rc.Logger = slog.Default()
	}
	return &Registry{resolvers: ordered, rc: rc}
}

// Resolve runs the resolution protocol for a single input and returns its
// terminal ResolvedTarget, or an error on failure: the last resolver's
// failure as that resolver returned it, or a *taxonomy.Error for
// NoResolver, TooManyRedirects and AuthRequired.
func (r *Registry) Resolve(ctx context.Context, input string) (*model.ResolvedTarget, error) {
	current := input
	attempts := 0
	var steps []model.ResolveStep
	var lastErr error

	for {
		res, ok := r.selectAndResolve(ctx, current, &steps)
		if !ok {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, taxonomy.New(taxonomy.NoResolver, "", fmt.Sprintf("no resolver can handle %q", current))
		}

		switch res.step.Kind {
		case StepURL:
			target := *res.step.Target
			target.ResolverSteps = append(steps, model.ResolveStep{
				ResolverName: res.name,
				Input:        current,
				Outcome:      "url",
				Detail:       target.URL,
			})
			return &target, nil

		case StepRedirect:
			attempts++
			steps = append(steps, model.ResolveStep{
				ResolverName: res.name,
				Input:        current,
				Outcome:      "redirect",
				Detail:       res.step.Next,
			})
			if attempts > MaxRedirects {
				return nil, taxonomy.New(taxonomy.TooManyRedirects, "", fmt.Sprintf("exceeded %d hops", MaxRedirects))
			}
			current = res.step.Next
			// Continue resolution from the new input against the full
			// registry again, not the original input.

		case StepNeedsAuth:
			steps = append(steps, model.ResolveStep{
				ResolverName: res.name,
				Input:        current,
				Outcome:      "needs_auth",
				Detail:       res.step.AuthDomain,
			})
			return nil, taxonomy.New(taxonomy.AuthRequired, res.step.AuthDomain, "")

		case StepFailed:
			steps = append(steps, model.ResolveStep{
				ResolverName: res.name,
				Input:        current,
				Outcome:      "failed",
				Detail:       errString(res.step.Err),
			})
			lastErr = res.step.Err
			// Try the next resolver in priority order against the
			// ORIGINAL input, not `current`: a failed chain does not
			// continue from the redirect target it failed on.
			current = input
		}
	}
}

type selection struct {
	name string
	step Step
}

// selectAndResolve picks the highest-priority resolver whose CanHandle
// returns true for input and invokes it, skipping resolvers already tried
// against this exact input within this call (tracked via steps) so a
// Failed outcome doesn't re-select the same resolver forever.
func (r *Registry) selectAndResolve(ctx context.Context, input string, steps *[]model.ResolveStep) (selection, bool) {
	tried := make(map[string]bool)
	for _, s := range *steps {
		if s.Input == input && s.Outcome == "failed" {
			tried[s.ResolverName] = true
		}
	}

	for _, res := range r.resolvers {
		if tried[res.Name()] {
			continue
		}
		if res.CanHandle(input) {
			return selection{name: res.Name(), step: res.Resolve(ctx, input, r.rc)}, true
		}
	}
	return selection{}, false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// OriginOf returns the scheme+host+port tuple used as the rate-limit key.
func OriginOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid origin for %q", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
