// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

// Package monitor serves the read-only HTTP status API: health and scheduler
// status, RPC endpoint health and usage, recent audit events, and Prometheus
// metrics. Everything it renders is a snapshot; the monitor holds no state of
// its own and can never mutate the agent.
package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/optimizer"
	"github.com/farmhand-labs/go-farmhand/rpcpool"
)

// StatusSource supplies the scheduler status snapshot.
type StatusSource interface {
	Status() optimizer.Status
}

// RPCSource supplies endpoint health and usage from the dispatcher.
type RPCSource interface {
	Status() []rpcpool.EndpointStatus
	Usage() *rpcpool.UsageTracker
}

// EventSource supplies the recent audit events ring.
type EventSource interface {
	Events() []audit.Event
}

// Config holds the monitor server options.
type Config struct {
	Addr        string   // listen address; empty disables the server
	CORSOrigins []string // allowed origins; empty denies cross-origin use
}

// DefaultConfig contains the default monitor configuration.
var DefaultConfig = Config{
	Addr: "127.0.0.1:8780",
}

// Server is the status API HTTP server.
type Server struct {
	cfg    Config
	status StatusSource
	rpc    RPCSource
	events EventSource

	srv     *http.Server
	started time.Time
}

// New assembles the server. Any source may be nil; its routes then answer
// 404.
func New(cfg Config, status StatusSource, rpc RPCSource, events EventSource) *Server {
	return &Server{cfg: cfg, status: status, rpc: rpc, events: events}
}

// Start binds the listen address and serves until Stop. It returns once the
// listener is bound, so a port clash fails fast at startup.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.started = time.Now()
	s.srv = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Monitor server failed", "err", err)
		}
	}()
	log.Info("Monitor server started", "addr", listener.Addr())
	return nil
}

// handler assembles the route table. Split out so tests can drive it through
// httptest without binding a port.
func (s *Server) handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.status != nil {
		router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	}
	if s.rpc != nil {
		router.HandleFunc("/endpoints", s.handleEndpoints).Methods(http.MethodGet)
		router.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	}
	if s.events != nil {
		router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}
	router.Handle("/metrics", prometheus.Handler(metrics.DefaultRegistry)).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         600,
	}).Handler(router)
}

// Stop shuts the server down, draining in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Monitor response write failed", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.status.Status())
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.rpc.Status())
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.rpc.Usage().Summarize())
}

// handleEvents returns the newest events first, at most ?limit (default 50).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events := s.events.Events()
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	// Newest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	writeJSON(w, events)
}
