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

// Package queue schedules claimed QueueItems onto the download engine,
// bounding global and per-origin concurrency and applying the retry
// policy between attempts.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/refdl/internal/httpapi"
	"github.com/kraklabs/refdl/pkg/clock"
	"github.com/kraklabs/refdl/pkg/credentials"
	"github.com/kraklabs/refdl/pkg/download"
	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/persistence"
	"github.com/kraklabs/refdl/pkg/ratelimit"
	"github.com/kraklabs/refdl/pkg/resolver"
	"github.com/kraklabs/refdl/pkg/retry"
	"github.com/kraklabs/refdl/pkg/taxonomy"
)

// Config holds the scheduler's concurrency and flush parameters.
type Config struct {
	GlobalConcurrency int
	GracePeriod       time.Duration
	EventFlushEvery   int
	EventFlushPeriod  time.Duration
}

func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 10,
		GracePeriod:       5 * time.Second,
		EventFlushEvery:   10,
		EventFlushPeriod:  100 * time.Millisecond,
	}
}

// Scheduler drives the claim -> resolve -> download -> retry loop across
// a worker pool: a jobs-channel-plus-WaitGroup idiom generalized to a
// work-stealing claim against persistence rather than a fixed in-memory
// slice of jobs.
type Scheduler struct {
	cfg       Config
	store     *persistence.Store
	resolvers *resolver.Registry
	limiter   *ratelimit.Limiter
	retryPol  *retry.Policy
	engine    *download.Engine
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *httpapi.Metrics

	events   chan model.Event
	eventsWG sync.WaitGroup
}

// SetMetrics attaches Prometheus counters the scheduler increments as it
// processes items; nil (the default) disables metrics collection.
func (s *Scheduler) SetMetrics(m *httpapi.Metrics) { s.metrics = m }

func NewScheduler(
	cfg Config,
	store *persistence.Store,
	resolvers *resolver.Registry,
	limiter *ratelimit.Limiter,
	retryPol *retry.Policy,
	engine *download.Engine,
	c clock.Clock,
	logger *slog.Logger,
) *Scheduler {
	if c == nil {
		c = clock.System
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg: cfg, store: store, resolvers: resolvers, limiter: limiter,
		retryPol: retryPol, engine: engine, clock: c, logger: logger,
		events: make(chan model.Event, 256),
	}
}

// Run drives the scheduler until the queue is drained or ctx is canceled.
// It spawns cfg.GlobalConcurrency worker goroutines pulling from a shared
// claim loop, mirroring the worker-pool pattern used for parallel parsing
// elsewhere in this codebase, generalized from a closed jobs channel to an
// open-ended claim against the persistent queue.
func (s *Scheduler) Run(ctx context.Context) error {
	flushDone := make(chan struct{})
	go s.flushEvents(ctx, flushDone)

	workers := s.cfg.GlobalConcurrency
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	var idleWorkers atomic.Int32

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				item, ok, err := s.store.ClaimNextPending(ctx, s.clock.Now())
				if err != nil {
					s.logger.Error("local.refdl.queue.claim.error", "worker", workerID, "err", err)
					return
				}
				if !ok {
					// Every worker reporting idle at once means the queue
					// is drained: stop rather than poll forever.
					if idleWorkers.Add(1) >= int32(workers) {
						return
					}
					select {
					case <-ctx.Done():
						return
					case <-s.clock.After(50 * time.Millisecond):
					}
					idleWorkers.Add(-1)
					continue
				}
				idleWorkers.Store(0)

				if s.metrics != nil {
					s.metrics.InFlight.Inc()
				}
				s.process(ctx, *item)
				if s.metrics != nil {
					s.metrics.InFlight.Dec()
				}
			}
		}(i)
	}

	wg.Wait()
	cancelGrace, stop := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer stop()
	close(s.events)
	select {
	case <-flushDone:
	case <-cancelGrace.Done():
		s.logger.Warn("local.refdl.queue.shutdown.grace_exceeded")
	}
	return nil
}

// process resolves and downloads one claimed item, applying the retry
// policy on failure: a retryable failure is returned to Pending (with a
// scheduled delay honored by sleeping before release), a permanent one is
// marked Failed.
func (s *Scheduler) process(ctx context.Context, item model.QueueItem) {
	now := s.clock.Now()
	s.emit(model.Event{QueueItemID: item.ID, Kind: model.EventStarted, Timestamp: now})

	target, err := s.resolvers.Resolve(ctx, item.OriginalInput)
	if err != nil {
		s.handleFailure(ctx, item, err)
		return
	}

	origin := target.Origin
	permit, err := s.limiter.Acquire(ctx, origin)
	if err != nil {
		s.handleFailure(ctx, item, taxonomy.Wrap(taxonomy.Internal, err, origin, "rate limiter acquire"))
		return
	}
	defer permit.Release()

	result, derr := s.downloadOne(ctx, item, *target)
	if derr != nil {
		if taxErr, ok := asTaxonomy(derr); ok && taxErr.Kind == taxonomy.RateLimited {
			delay := time.Duration(taxErr.RetryAfterSeconds) * time.Second
			s.limiter.RecordRetryAfter(origin, delay)
		}
		s.handleFailure(ctx, item, derr)
		return
	}

	if err := s.store.MarkCompleted(ctx, item.ID, result.FilePath, result.SHA256, result.BytesWritten, &target.Metadata, s.clock.Now()); err != nil {
		s.logger.Error("local.refdl.queue.mark_completed.error", "item_id", item.ID, "err", err)
		return
	}
	s.emit(model.Event{QueueItemID: item.ID, Kind: model.EventCompleted, Timestamp: s.clock.Now()})
	if s.metrics != nil {
		s.metrics.Attempted.Inc()
		s.metrics.Completed.Inc()
	}
}

func (s *Scheduler) downloadOne(ctx context.Context, item model.QueueItem, target model.ResolvedTarget) (result download.Result, err error) {
	// A panic inside one download becomes an Internal failure of that item
	// instead of taking down the whole batch.
	defer func() {
		if r := recover(); r != nil {
			result, err = download.Result{}, taxonomy.New(taxonomy.Internal, target.Origin, fmt.Sprintf("panic during download: %v", r))
		}
	}()
	destName := fmt.Sprintf("item-%d", item.ID)
	return s.engine.Fetch(ctx, target, destName)
}

func (s *Scheduler) handleFailure(ctx context.Context, item model.QueueItem, err error) {
	taxErr, _ := asTaxonomy(err)

	attempt := item.RetryCount + 1
	decision := s.retryPol.Next(attempt, taxErr)

	kind := ""
	if taxErr != nil {
		kind = string(taxErr.Kind)
	}

	if decision.Retry {
		s.emit(model.Event{QueueItemID: item.ID, Kind: model.EventRetried, Timestamp: s.clock.Now(), Details: decision.Reason})
		select {
		case <-s.clock.After(decision.Delay):
		case <-ctx.Done():
		}
		if err := s.store.MarkFailed(ctx, item.ID, kind, errString(err), false, model.StatusFailed, s.clock.Now()); err != nil {
			s.logger.Error("local.refdl.queue.mark_failed.error", "item_id", item.ID, "err", err)
		}
		return
	}

	evKind := model.EventFailed
	terminalStatus := model.StatusFailed
	if taxErr != nil && taxErr.Kind == taxonomy.RobotsDisallowed {
		evKind = model.EventSkipped
		terminalStatus = model.StatusSkipped
	}
	s.emit(model.Event{QueueItemID: item.ID, Kind: evKind, Timestamp: s.clock.Now(), Details: decision.Reason})
	if err := s.store.MarkFailed(ctx, item.ID, kind, errString(err), true, terminalStatus, s.clock.Now()); err != nil {
		s.logger.Error("local.refdl.queue.mark_failed.error", "item_id", item.ID, "err", err)
	}
	if s.metrics != nil {
		s.metrics.Attempted.Inc()
		if terminalStatus == model.StatusSkipped {
			s.metrics.Skipped.Inc()
		} else {
			s.metrics.Failed.Inc()
		}
	}
}

func (s *Scheduler) emit(ev model.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("local.refdl.queue.event_buffer.full", "item_id", ev.QueueItemID)
	}
}

// flushEvents batches events on a count-or-period trigger, whichever comes
// first, so a burst of activity doesn't serialize one insert per event.
func (s *Scheduler) flushEvents(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	period := s.cfg.EventFlushPeriod
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var batch []model.Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.store.AppendEvents(context.Background(), batch); err != nil {
			s.logger.Error("local.refdl.queue.flush_events.error", "err", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.cfg.EventFlushEvery {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func asTaxonomy(err error) (*taxonomy.Error, bool) {
	var t *taxonomy.Error
	if taxonomy.As(err, &t) {
		return t, true
	}
	return nil, false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// CredentialSourceFromStore adapts a credentials.Store to the
// download.CredentialLookup signature the engine expects.
func CredentialSourceFromStore(store *credentials.Store) download.CredentialLookup {
	return func(origin string) (credentials.Bundle, bool) {
		bundle, ok, err := store.Load(origin)
		if err != nil || !ok {
			return credentials.Bundle{}, false
		}
		return bundle, true
	}
}
