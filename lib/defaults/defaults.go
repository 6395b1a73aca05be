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

// Package defaults gathers the tunable values of the orchestrator in one
// place. Everything here can be overridden through lib/config; nothing else
// in the tree hard-codes a duration or limit.
package defaults

import "time"

const (
	// ListenAddress is the address the orchestrator binds to when
	// LISTEN_ADDRESS is not set.
	ListenAddress = "127.0.0.1:8000"

	// HeartbeatInterval is the interval assigned to agents at handshake.
	HeartbeatInterval = 30 * time.Second

	// HeartbeatGraceFactor is the number of missed heartbeat intervals
	// tolerated before a session is considered dead.
	HeartbeatGraceFactor = 3

	// HandshakeTimeout bounds how long a fresh connection may sit in
	// HandshakePending before being closed.
	HandshakeTimeout = 10 * time.Second

	// DrainTimeout bounds how long draining sessions are given to flush
	// their outbound lane on shutdown or deregistration.
	DrainTimeout = 30 * time.Second

	// DispatchDeadline is the per-call deadline applied to command
	// dispatch when the caller does not supply one.
	DispatchDeadline = 30 * time.Second

	// TaskRetries is the number of times the task manager re-queues a task
	// after NoCapableInstance or InstanceGone failures.
	TaskRetries = 3

	// TaskBackoffBase and TaskBackoffMax bound the exponential backoff
	// applied between task retry attempts. Jitter of +/- 25% is applied on
	// top.
	TaskBackoffBase = time.Second
	TaskBackoffMax  = 30 * time.Second

	// TaskWorkers is the number of task manager workers draining the
	// pending queues.
	TaskWorkers = 4

	// OutboundQueueSize is the per-session outbound lane capacity. A full
	// lane means the peer has stalled and the session is drained.
	OutboundQueueSize = 256

	// MaxFrameSize is the largest wire frame the codec will accept.
	MaxFrameSize = 1 << 20

	// ContextSweepInterval is the cadence of the context store TTL sweeper.
	ContextSweepInterval = 10 * time.Second

	// ContextSweepBatch bounds how many expired documents a single sweep
	// pass removes, so the sweeper cannot monopolize the store.
	ContextSweepBatch = 512

	// RecentMessageIDs is the per-connection window used for duplicate
	// message id detection.
	RecentMessageIDs = 128
)
