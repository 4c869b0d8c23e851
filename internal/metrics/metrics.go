// Copyright (C) pymscada-sub000 contributors.
// All rights reserved. This file is part of pymscada-sub000.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exports Prometheus counters/gauges for the broker and
// the history daemon. It repurposes the teacher's
// prometheus/client_golang dependency (used there to query a remote
// Prometheus, internal/metricdata/prometheus.go) for exposition instead.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Broker holds the broker daemon's metric handles.
type Broker struct {
	Connections     prometheus.Gauge
	TagsKnown       prometheus.Gauge
	FramesForwarded prometheus.Counter
	FramesDropped   prometheus.Counter
	RTARelayed      prometheus.Counter
	RTAErrored      prometheus.Counter
	DecodeErrors    prometheus.Counter
}

// NewBroker registers and returns the broker metrics on reg.
func NewBroker(reg prometheus.Registerer) *Broker {
	b := &Broker{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pymscada", Subsystem: "broker", Name: "connections",
			Help: "Number of currently connected clients.",
		}),
		TagsKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pymscada", Subsystem: "broker", Name: "tags_known",
			Help: "Number of tags the broker has assigned an id to.",
		}),
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "broker", Name: "frames_forwarded_total",
			Help: "SET frames forwarded to subscribers.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "broker", Name: "frames_dropped_total",
			Help: "Frames dropped because a subscriber's send queue was full.",
		}),
		RTARelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "broker", Name: "rta_relayed_total",
			Help: "RTA frames relayed to the authoring connection.",
		}),
		RTAErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "broker", Name: "rta_errored_total",
			Help: "RTA frames that failed because there was no live author.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "broker", Name: "decode_errors_total",
			Help: "Frames rejected as malformed or referencing an unknown tag id.",
		}),
	}
	reg.MustRegister(b.Connections, b.TagsKnown, b.FramesForwarded, b.FramesDropped,
		b.RTARelayed, b.RTAErrored, b.DecodeErrors)
	return b
}

// History holds the history daemon's metric handles.
type History struct {
	Appends      prometheus.Counter
	Suppressed   prometheus.Counter
	Clamped      prometheus.Counter
	ChunkRolls   prometheus.Counter
	FileRolls    prometheus.Counter
	BytesRead    prometheus.Counter
	ArchiveShips prometheus.Counter
}

// NewHistory registers and returns the history daemon's metrics on reg.
func NewHistory(reg prometheus.Registerer) *History {
	h := &History{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "history", Name: "appends_total",
			Help: "Accepted (time_us, value) records.",
		}),
		Suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "history", Name: "deadband_suppressed_total",
			Help: "Records dropped by the deadband filter.",
		}),
		Clamped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "history", Name: "clamped_total",
			Help: "Records clamped to a configured min/max rail.",
		}),
		ChunkRolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "history", Name: "chunk_rolls_total",
			Help: "In-memory chunk flushes to the current file.",
		}),
		FileRolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "history", Name: "file_rolls_total",
			Help: "New history files started.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "history", Name: "bytes_read_total",
			Help: "Bytes returned by read_bytes range queries.",
		}),
		ArchiveShips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pymscada", Subsystem: "history", Name: "archive_shipped_total",
			Help: "History files uploaded to cold storage.",
		}),
	}
	reg.MustRegister(h.Appends, h.Suppressed, h.Clamped, h.ChunkRolls, h.FileRolls,
		h.BytesRead, h.ArchiveShips)
	return h
}
