/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics is the Prometheus exporter for a participant process,
// modeled on ptp/sptp/stats/prom_exporter.go's PrometheusExporter: a
// dedicated registry plus an http.Handler serving /metrics.
//
// Unlike the teacher, which scrapes an already-running process's stats
// endpoint, this exporter's counters and gauges are registered once and
// updated in-process by the binary that owns the Exporter as events
// happen, so there is no separate scrape step. cmd/participantsim updates
// the system-state, time-sync and watchdog metrics from its callbacks; the
// orchestration, timesync and watchdog packages do not import this one,
// and nothing updates InvalidTransitions, MessagesSent, MessagesReceived
// or ConnectedPeers.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds a participant's metric registry and its counters and
// gauges, exported so the owning binary can update them directly.
type Exporter struct {
	registry *prometheus.Registry

	SystemStateChanges   prometheus.Counter
	InvalidTransitions   prometheus.Counter
	MessagesSent         *prometheus.CounterVec
	MessagesReceived     *prometheus.CounterVec
	TimeSyncSteps        prometheus.Counter
	CurrentSimTime       prometheus.Gauge
	WatchdogWarnings     prometheus.Counter
	WatchdogErrors       prometheus.Counter
	ConnectedPeers       prometheus.Gauge
}

// New constructs an Exporter with every metric registered against a
// fresh registry, matching NewPrometheusExporter's constructor shape.
func New() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		SystemStateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coresim_system_state_changes_total",
			Help: "Number of times the derived overall system state changed.",
		}),
		InvalidTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coresim_invalid_transitions_total",
			Help: "Number of lifecycle inputs rejected as invalid for the current state.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coresim_messages_sent_total",
			Help: "Number of wire messages sent, by network name.",
		}, []string{"network"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coresim_messages_received_total",
			Help: "Number of wire messages received, by network name.",
		}, []string{"network"}),
		TimeSyncSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coresim_timesync_steps_total",
			Help: "Number of virtual-time steps completed.",
		}),
		CurrentSimTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coresim_timesync_now_seconds",
			Help: "Current virtual simulation time, in seconds.",
		}),
		WatchdogWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coresim_watchdog_warnings_total",
			Help: "Number of soft-timeout breaches observed by the watchdog.",
		}),
		WatchdogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coresim_watchdog_errors_total",
			Help: "Number of hard-timeout breaches observed by the watchdog.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coresim_connected_peers",
			Help: "Number of peers currently linked to this participant.",
		}),
	}
	e.registry.MustRegister(
		e.SystemStateChanges,
		e.InvalidTransitions,
		e.MessagesSent,
		e.MessagesReceived,
		e.TimeSyncSteps,
		e.CurrentSimTime,
		e.WatchdogWarnings,
		e.WatchdogErrors,
		e.ConnectedPeers,
	)
	return e
}

// Handler returns the /metrics http.Handler for this Exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve blocks, serving /metrics on the given port. Callers typically
// run it in its own goroutine.
func (e *Exporter) Serve(listenAddress string, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	return http.ListenAndServe(fmt.Sprintf("%s:%d", listenAddress, port), mux)
}
