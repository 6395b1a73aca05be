/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package metrics declares the orchestrator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActiveInstances tracks the number of sessions currently in the
	// Active state.
	ActiveInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ubp",
		Name:      "active_instances",
		Help:      "Number of bot instances currently connected and active.",
	})

	// EnvelopesProcessed counts envelopes crossing the session boundary by
	// payload kind and outcome.
	EnvelopesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ubp",
		Name:      "envelopes_processed_total",
		Help:      "Envelopes processed by payload kind and outcome.",
	}, []string{"kind", "outcome"})

	// CommandLatency observes end-to-end command round trip time keyed by
	// command name.
	CommandLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ubp",
		Name:      "command_latency_seconds",
		Help:      "Latency of dispatched commands from enqueue to response.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"command_name"})

	// TaskQueueDepth tracks pending tasks awaiting a worker.
	TaskQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ubp",
		Name:      "task_queue_depth",
		Help:      "Number of tasks in the Pending state.",
	})

	// HeartbeatMisses counts sessions closed for missing their heartbeat
	// window.
	HeartbeatMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ubp",
		Name:      "heartbeat_miss_total",
		Help:      "Sessions force-closed after missing the heartbeat grace window.",
	})
)

// RegisterCollectors registers the package collectors with the default
// prometheus registry, tolerating duplicate registration.
func RegisterCollectors() error {
	for _, c := range []prometheus.Collector{
		ActiveInstances,
		EnvelopesProcessed,
		CommandLatency,
		TaskQueueDepth,
		HeartbeatMisses,
	} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
