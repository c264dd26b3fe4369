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

// Package ratelimit implements per-origin token accounting and
// Retry-After honoring for outbound downloads.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kraklabs/refdl/pkg/clock"
)

// staleAfter is the window after which an idle origin's state is eligible
// for opportunistic garbage collection.
const staleAfter = 30 * time.Minute

// gcEvery is the operation count between opportunistic GC sweeps.
const gcEvery = 256

// retryAfterCap is the safety maximum for a recorded Retry-After duration.
const retryAfterCap = 1 * time.Hour

// Override configures non-default behavior for a single origin
// (config key concurrency.domain_overrides[host]).
type Override struct {
	MaxConcurrent      int
	MinInterval        time.Duration
	RespectRetryAfter  bool
}

// Config is the limiter's static configuration.
type Config struct {
	PerOriginDefault    int
	PerOriginMinInterval time.Duration
	Overrides           map[string]Override
}

func DefaultConfig() Config {
	return Config{PerOriginDefault: 2, PerOriginMinInterval: 0}
}

type originState struct {
	mu sync.Mutex

	concurrency      int
	activePermits    int
	minInterval      time.Duration
	limiter          *rate.Limiter // paces requests to at most one per minInterval
	lastRequestAt    time.Time
	retryAfterUntil  time.Time
	respectRetryAfter bool
	waiters          []chan struct{}
	lastTouched      time.Time
}

// Limiter is the shared, concurrent-map-backed per-origin limiter state.
type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	origins map[string]*originState
	ops     atomic.Int64
}

func New(cfg Config, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.System
	}
	return &Limiter{cfg: cfg, clock: c, origins: make(map[string]*originState)}
}

// Permit represents an acquired slot; Release must be called exactly once.
type Permit struct {
	state *originState
}

func (p *Permit) Release() {
	p.state.mu.Lock()
	p.state.activePermits--
	var wake chan struct{}
	if len(p.state.waiters) > 0 {
		wake = p.state.waiters[0]
		p.state.waiters = p.state.waiters[1:]
	}
	p.state.mu.Unlock()
	if wake != nil {
		close(wake)
	}
}

func (l *Limiter) stateFor(origin string) *originState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ops.Add(1)%gcEvery == 0 {
		l.gcLocked()
	}

	st, ok := l.origins[origin]
	if ok {
		st.lastTouched = l.clock.Now()
		return st
	}

	concurrency := l.cfg.PerOriginDefault
	if concurrency <= 0 {
		concurrency = 2
	}
	minInterval := l.cfg.PerOriginMinInterval
	respectRetryAfter := true

	ov, ok := l.cfg.Overrides[origin]
	if !ok {
		// Config keys overrides by host; origins carry a scheme.
		if u, err := url.Parse(origin); err == nil {
			if ov, ok = l.cfg.Overrides[u.Host]; !ok {
				ov, ok = l.cfg.Overrides[u.Hostname()]
			}
		}
	}
	if ok {
		if ov.MaxConcurrent > 0 {
			concurrency = ov.MaxConcurrent
		}
		minInterval = ov.MinInterval
		respectRetryAfter = ov.RespectRetryAfter
	}

	var lim *rate.Limiter
	if minInterval > 0 {
		lim = rate.NewLimiter(rate.Every(minInterval), 1)
	}

	st = &originState{
		concurrency:       concurrency,
		minInterval:       minInterval,
		limiter:           lim,
		respectRetryAfter: respectRetryAfter,
		lastTouched:       l.clock.Now(),
	}
	l.origins[origin] = st
	return st
}

// gcLocked removes origins with no traffic in the last staleAfter window.
// Caller must hold l.mu.
func (l *Limiter) gcLocked() {
	now := l.clock.Now()
	for origin, st := range l.origins {
		st.mu.Lock()
		idle := st.activePermits == 0 && now.Sub(st.lastTouched) > staleAfter
		st.mu.Unlock()
		if idle {
			delete(l.origins, origin)
		}
	}
}

// Acquire blocks (respecting ctx cancellation) until a permit for origin
// is available, honoring any pending Retry-After, the per-origin
// concurrency bound, and the minimum inter-request interval.
func (l *Limiter) Acquire(ctx context.Context, origin string) (*Permit, error) {
	st := l.stateFor(origin)

	for {
		if wait := st.retryAfterWait(l.clock.Now()); wait > 0 {
			if err := l.sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if st.limiter != nil {
			if err := st.waitMinInterval(ctx, l.clock); err != nil {
				return nil, err
			}
		}

		wait, ch := st.tryAcquire(l.clock.Now())
		if !wait {
			return &Permit{state: st}, nil
		}
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (st *originState) retryAfterWait(now time.Time) time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.retryAfterUntil.IsZero() || !st.retryAfterUntil.After(now) {
		return 0
	}
	return st.retryAfterUntil.Sub(now)
}

// tryAcquire attempts to take a permit without blocking. If the origin is
// at capacity, it registers a waiter channel and returns (true, ch);
// callers must block on ch and retry.
func (st *originState) tryAcquire(now time.Time) (wait bool, ch chan struct{}) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.activePermits >= st.concurrency {
		w := make(chan struct{})
		st.waiters = append(st.waiters, w)
		return true, w
	}
	st.activePermits++
	st.lastRequestAt = now
	st.lastTouched = now
	return false, nil
}

func (l *Limiter) sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-l.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitMinInterval paces requests against st.limiter's token bucket without
// touching the wall clock: rate.Limiter.Wait always measures against
// time.Now() internally, which would make MinInterval pacing impossible to
// drive with an injected clock.Clock in tests. Reserving against an
// explicit now and sleeping off DelayFrom keeps the same token-bucket
// algorithm while routing every wait through the same clock as the rest
// of the limiter.
func (st *originState) waitMinInterval(ctx context.Context, c clock.Clock) error {
	now := c.Now()
	r := st.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("ratelimit: request exceeds the per-origin burst limit")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-c.After(delay):
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// RecordRetryAfter sets a per-origin cooldown, capped at retryAfterCap.
// The limiter never sleeps past this cap.
func (l *Limiter) RecordRetryAfter(origin string, d time.Duration) {
	if d > retryAfterCap {
		d = retryAfterCap
	}
	st := l.stateFor(origin)
	st.mu.Lock()
	if !st.respectRetryAfter {
		st.mu.Unlock()
		return
	}
	until := l.clock.Now().Add(d)
	if until.After(st.retryAfterUntil) {
		st.retryAfterUntil = until
	}
	st.mu.Unlock()
}
