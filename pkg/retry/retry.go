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

// Package retry turns a taxonomy.Error into a scheduling decision: retry
// after a delay, retry after an origin-specific Retry-After, or give up.
package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kraklabs/refdl/pkg/taxonomy"
)

// Config is the retry schedule's static parameters.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	Jitter          float64 // fraction, e.g. 0.2 for ±20%
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 5 * time.Second,
		Multiplier:      2.0,
		MaxInterval:     5 * time.Minute,
		Jitter:          0.2,
	}
}

// Decision is the outcome of evaluating one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Give up without a further attempt because the error class is not
	// retryable or attempts are exhausted.
	Reason string
}

// Policy computes a Decision for a given attempt number and classified
// error. It wraps backoff.ExponentialBackOff to get the exponential curve
// and then applies the Retry-After override for RateLimited errors.
type Policy struct {
	cfg  Config
	rand *rand.Rand
}

func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Next evaluates the outcome of attemptNumber (1-based, the attempt that
// just failed with err) and returns whether and when to retry.
func (p *Policy) Next(attemptNumber int, err *taxonomy.Error) Decision {
	if err == nil {
		return Decision{Retry: false, Reason: "no error"}
	}

	class := err.Class()
	if class == taxonomy.ClassPermanent || class == taxonomy.ClassAuthRequired || class == taxonomy.ClassInternal {
		return Decision{Retry: false, Reason: string(class)}
	}

	if attemptNumber >= p.cfg.MaxAttempts {
		return Decision{Retry: false, Reason: "max attempts exhausted"}
	}

	if class == taxonomy.ClassRateLimited && err.RetryAfterSeconds > 0 {
		d := time.Duration(err.RetryAfterSeconds) * time.Second
		if d > p.cfg.MaxInterval {
			d = p.cfg.MaxInterval
		}
		return Decision{Retry: true, Delay: d}
	}

	return Decision{Retry: true, Delay: p.exponentialDelay(attemptNumber)}
}

// exponentialDelay reproduces backoff.ExponentialBackOff's curve for a
// given attempt number, then applies symmetric jitter. A fresh BackOff is
// built per call because the library's internal state advances on every
// NextBackOff() call and attempt numbers here may be evaluated
// out-of-order by callers replaying history.
func (p *Policy) exponentialDelay(attemptNumber int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.cfg.Multiplier,
		MaxInterval:         p.cfg.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attemptNumber; i++ {
		d = b.NextBackOff()
	}
	if d > p.cfg.MaxInterval {
		d = p.cfg.MaxInterval
	}

	return p.jitter(d)
}

func (p *Policy) jitter(d time.Duration) time.Duration {
	if p.cfg.Jitter <= 0 {
		return d
	}
	delta := float64(d) * p.cfg.Jitter
	offset := (p.rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		result = 0
	}
	return result
}
