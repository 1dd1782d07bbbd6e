// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides the bot's Prometheus metrics and the
// optional status server that exposes them.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wheatley"

// Metrics contains every instrument the bot records.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Ringing ---

	// BellsRung counts the strikes the bot has sent to the tower.
	BellsRung prometheus.Counter

	// RowsGenerated counts the rows produced by the row generator.
	RowsGenerated prometheus.Counter

	// CallsMade counts the calls the bot has broadcast, by call name.
	CallsMade *prometheus.CounterVec

	// CallsReceived counts the calls heard from the tower, by call name.
	CallsReceived *prometheus.CounterVec

	// --- Rhythm ---

	// StrikeResiduals records how far off each observed strike was, in
	// places.
	StrikeResiduals prometheus.Histogram

	// HoldDuration records how long the bot held up for a human ringer,
	// in seconds.
	HoldDuration prometheus.Histogram

	// BlowInterval tracks the fitted interval between blows in seconds.
	BlowInterval prometheus.Gauge

	// --- Transport ---

	// SocketEvents counts inbound socket.io events by event name.
	SocketEvents *prometheus.CounterVec

	// Reconnects counts how often the socket connection was re-established.
	Reconnects prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Get returns the process-wide metrics, creating and registering them
// with the default Prometheus registry on first use.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BellsRung: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "bells_rung_total",
			Help:      "Strikes sent to the tower",
		}),
		RowsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "rows_generated_total",
			Help:      "Rows produced by the row generator",
		}),
		CallsMade: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "calls_made_total",
			Help:      "Calls broadcast by the bot",
		}, []string{"call"}),
		CallsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "calls_received_total",
			Help:      "Calls heard from the tower",
		}, []string{"call"}),
		StrikeResiduals: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rhythm",
			Name:      "strike_residual_places",
			Help:      "Distance between each observed strike and its expected position, in places",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		HoldDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rhythm",
			Name:      "hold_duration_seconds",
			Help:      "Time spent waiting for a human ringer per hold-up",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BlowInterval: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rhythm",
			Name:      "blow_interval_seconds",
			Help:      "Fitted interval between blows",
		}),
		SocketEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tower",
			Name:      "socket_events_total",
			Help:      "Inbound socket.io events",
		}, []string{"event"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tower",
			Name:      "reconnects_total",
			Help:      "Socket connections re-established after a drop",
		}),
	}
}
