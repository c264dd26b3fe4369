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

// Package httpapi exposes a local, read-only status and history API over
// a running batch, plus a Prometheus metrics endpoint, so a long batch can
// be observed without tailing logs.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/refdl/pkg/model"
	"github.com/kraklabs/refdl/pkg/persistence"
)

// Metrics are the Prometheus counters/gauges this API publishes. Wired
// into the queue scheduler's emit/process paths by the caller.
type Metrics struct {
	Attempted prometheus.Counter
	Completed prometheus.Counter
	Failed    prometheus.Counter
	Skipped   prometheus.Counter
	InFlight  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Attempted: factory.NewCounter(prometheus.CounterOpts{Name: "refdl_items_attempted_total"}),
		Completed: factory.NewCounter(prometheus.CounterOpts{Name: "refdl_items_completed_total"}),
		Failed:    factory.NewCounter(prometheus.CounterOpts{Name: "refdl_items_failed_total"}),
		Skipped:   factory.NewCounter(prometheus.CounterOpts{Name: "refdl_items_skipped_total"}),
		InFlight:  factory.NewGauge(prometheus.GaugeOpts{Name: "refdl_items_in_flight"}),
	}
}

// Server is the local read-only HTTP surface.
type Server struct {
	store   *persistence.Store
	reg     *prometheus.Registry
	started time.Time
	batchID string
}

// NewServer builds the status API for one batch run, identified by
// batchID so a client polling across multiple invocations can tell them
// apart.
func NewServer(store *persistence.Store, reg *prometheus.Registry, batchID string) *Server {
	return &Server{store: store, reg: reg, started: time.Now(), batchID: batchID}
}

// Router builds the chi mux: CORS-permissive for localhost tooling,
// read-only (GET only, no mutating routes) since this surface is
// diagnostic, not a control plane.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/status", s.handleStatus)
	r.Get("/queue", s.handleQueue)
	r.Get("/history", s.handleHistory)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	return r
}

type statusResponse struct {
	BatchID       string               `json:"batch_id"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Counts        model.TerminalCounts `json:"counts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountsSince(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, statusResponse{
		BatchID:       s.batchID,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Counts:        counts,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	items, err := s.store.QueryQueue(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, items)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	afterID := int64(0)
	if v := r.URL.Query().Get("after_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		afterID = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	records, err := s.store.QueryHistory(r.Context(), afterID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": err.Error()})
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully within a short grace period.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
