// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package opsapi serves process diagnostics (/healthz, /metrics, /stats)
// for the broker and history daemons. It is not the out-of-scope web
// frontend (spec.md section 1, "Out of scope"): it carries no bus
// traffic, only operational state about the process itself.
package opsapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamie0walton/pymscada-sub000/pkg/log"
)

// StatsFunc produces the JSON body for the /stats endpoint on demand.
type StatsFunc func() interface{}

// Server wraps a mux.Router the way the teacher's cmd/cc-backend/main.go
// wraps its router: handlers.CombinedLoggingHandler around routes
// registered on a *mux.Router.
type Server struct {
	addr   string
	router *mux.Router
}

// New builds an ops server exposing /healthz, /metrics (reg's Prometheus
// registry) and /stats (stats, called fresh on every request).
func New(addr string, reg *prometheus.Registry, stats StatsFunc) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats()); err != nil {
			log.Warnf("opsapi: encoding /stats: %v", err)
		}
	})
	return &Server{addr: addr, router: r}
}

// ListenAndServe blocks, serving until the listener errors (e.g. on
// shutdown via http.Server.Shutdown from the caller's own *http.Server
// wrapping this router, see Handler).
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: handlers.CombinedLoggingHandler(log.InfoWriter, s.router),
	}
	return srv.ListenAndServe()
}

// Handler returns the wrapped http.Handler for embedding in a caller-owned
// *http.Server, needed for graceful shutdown via context.
func (s *Server) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(log.InfoWriter, s.router)
}
