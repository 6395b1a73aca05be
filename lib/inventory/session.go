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

package inventory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/defaults"
	"github.com/L4DK/unified-bot-protocol/lib/metrics"
	"github.com/L4DK/unified-bot-protocol/lib/wire"
)

// Session is one authenticated bot connection. It owns exactly one reader
// and one writer goroutine over the underlying stream; everything else talks
// to the session through the outbound lane and the pending-response table.
type Session struct {
	instanceID   string
	botID        string
	capabilities []string
	connectedAt  time.Time

	stream            Stream
	clock             clockwork.Clock
	logger            *slog.Logger
	heartbeatInterval time.Duration
	graceFactor       int
	drainTimeout      time.Duration

	// onEvent receives unsolicited Event payloads from the agent.
	onEvent func(botID, instanceID string, ev *wire.Event)

	out       chan *wire.Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	status        types.InstanceStatus
	closeReason   types.CloseReason
	lastHeartbeat time.Time
	pending       map[string]chan *wire.CommandResponse
	seen          *recentIDs
}

// InstanceID returns the unique id of this connection.
func (s *Session) InstanceID() string { return s.instanceID }

// BotID returns the definition this session belongs to.
func (s *Session) BotID() string { return s.botID }

// Capabilities returns the capability set announced at handshake.
func (s *Session) Capabilities() []string { return s.capabilities }

// Done is closed once the session reaches the Closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current lifecycle state.
func (s *Session) Status() types.InstanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CloseReason returns why the session closed, or CloseReasonNone while live.
func (s *Session) CloseReason() types.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Info returns the admin view of this session.
func (s *Session) Info() types.InstanceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.InstanceInfo{
		BotID:               s.botID,
		InstanceID:          s.instanceID,
		ConnectedAt:         s.connectedAt,
		LastHeartbeatAt:     s.lastHeartbeat,
		RuntimeCapabilities: s.capabilities,
		Status:              s.status,
	}
}

// HasCapability reports whether the session announced the capability.
func (s *Session) HasCapability(capability string) bool {
	for _, c := range s.capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// SendCommand registers a response waiter for req.CommandID and enqueues the
// command on the outbound lane. The returned channel receives every
// CommandResponse correlated to the command, progress updates included; the
// release closure must be called once the caller stops waiting.
func (s *Session) SendCommand(traceID string, req *wire.CommandRequest) (<-chan *wire.CommandResponse, func(), error) {
	s.mu.Lock()
	if s.status != types.InstanceStatusActive {
		s.mu.Unlock()
		return nil, nil, trace.ConnectionProblem(nil, "instance %s is not active", s.instanceID)
	}
	ch := make(chan *wire.CommandResponse, 4)
	s.pending[req.CommandID] = ch
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.pending, req.CommandID)
		s.mu.Unlock()
	}
	if err := s.enqueue(wire.Derived(traceID, req)); err != nil {
		release()
		return nil, nil, trace.Wrap(err)
	}
	return ch, release, nil
}

// SendEvent enqueues a server-originated event for the agent.
func (s *Session) SendEvent(ev *wire.Event) error {
	return trace.Wrap(s.enqueue(wire.NewEnvelope(ev)))
}

// enqueue places an envelope on the outbound lane without blocking. A full
// lane means the peer has stalled; the session is closed rather than letting
// backpressure propagate into callers.
func (s *Session) enqueue(env *wire.Envelope) error {
	select {
	case <-s.done:
		return trace.ConnectionProblem(nil, "instance %s is closed", s.instanceID)
	default:
	}
	select {
	case s.out <- env:
		return nil
	default:
		s.logger.WarnContext(context.Background(), "Outbound lane full, closing stalled session",
			"instance_id", s.instanceID)
		s.Close(types.CloseReasonTransport)
		return trace.ConnectionProblem(nil, "instance %s outbound lane overflow", s.instanceID)
	}
}

// Drain moves the session to Draining: it stops being eligible for dispatch,
// keeps flushing in-flight work, and closes once all pending commands
// resolve or the drain timeout expires.
func (s *Session) Drain(reason types.CloseReason) {
	s.mu.Lock()
	if s.status != types.InstanceStatusActive {
		s.mu.Unlock()
		return
	}
	s.status = types.InstanceStatusDraining
	pendingLeft := len(s.pending)
	s.mu.Unlock()

	s.logger.InfoContext(context.Background(), "Draining session",
		"instance_id", s.instanceID, "pending_commands", pendingLeft)
	if pendingLeft == 0 {
		s.Close(reason)
		return
	}
	go func() {
		timer := s.clock.NewTimer(s.drainTimeout)
		defer timer.Stop()
		ticker := s.clock.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-timer.Chan():
				s.Close(reason)
				return
			case <-s.done:
				return
			case <-ticker.Chan():
				s.mu.Lock()
				left := len(s.pending)
				s.mu.Unlock()
				if left == 0 {
					s.Close(reason)
					return
				}
			}
		}
	}()
}

// Close transitions to Closed, records the first reason given, and tears the
// stream down. Safe to call multiple times.
func (s *Session) Close(reason types.CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = types.InstanceStatusClosed
		s.closeReason = reason
		s.pending = map[string]chan *wire.CommandResponse{}
		s.mu.Unlock()

		close(s.done)
		s.stream.Close()
		s.logger.InfoContext(context.Background(), "Session closed",
			"instance_id", s.instanceID, "bot_id", s.botID, "reason", string(reason))
	})
}

// run starts the reader, writer and heartbeat monitor goroutines. Called
// once by the controller after a successful handshake.
func (s *Session) run() {
	go s.writeLoop()
	go s.readLoop()
	go s.monitorHeartbeats()
}

func (s *Session) writeLoop() {
	ctx := context.Background()
	for {
		select {
		case env := <-s.out:
			if err := s.stream.Send(ctx, env); err != nil {
				s.Close(types.CloseReasonTransport)
				return
			}
			metrics.EnvelopesProcessed.WithLabelValues(env.Payload.Kind().String(), "sent").Inc()
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		env, err := s.stream.Recv()
		if err != nil {
			s.Close(types.CloseReasonTransport)
			return
		}
		s.handleInbound(env)
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) handleInbound(env *wire.Envelope) {
	kind := env.Payload.Kind().String()
	if env.MessageID != "" && !s.markSeen(env.MessageID) {
		metrics.EnvelopesProcessed.WithLabelValues(kind, "duplicate").Inc()
		return
	}
	switch p := env.Payload.(type) {
	case *wire.Heartbeat:
		s.mu.Lock()
		s.lastHeartbeat = s.clock.Now()
		s.mu.Unlock()
		metrics.EnvelopesProcessed.WithLabelValues(kind, "accepted").Inc()
	case *wire.CommandResponse:
		s.resolvePending(p)
		metrics.EnvelopesProcessed.WithLabelValues(kind, "accepted").Inc()
	case *wire.Event:
		if s.onEvent != nil {
			s.onEvent(s.botID, s.instanceID, p)
		}
		metrics.EnvelopesProcessed.WithLabelValues(kind, "accepted").Inc()
	case *wire.Error:
		s.logger.WarnContext(context.Background(), "Peer reported protocol error",
			"instance_id", s.instanceID, "code", p.Code, "message", p.Message)
		metrics.EnvelopesProcessed.WithLabelValues(kind, "accepted").Inc()
		s.Close(types.CloseReasonProtocol)
	case *wire.HandshakeRequest:
		// a second handshake on a live session is a protocol violation;
		// send the error directly so it reaches the wire before Close
		// tears down the write loop
		metrics.EnvelopesProcessed.WithLabelValues(kind, "rejected").Inc()
		sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stream.Send(sendCtx, wire.Derived(env.TraceID, &wire.Error{
			Code:    "ProtocolError",
			Message: "handshake already completed",
		})); err != nil {
			s.logger.DebugContext(sendCtx, "Failed to send protocol error",
				"instance_id", s.instanceID, "error", err)
		}
		cancel()
		s.Close(types.CloseReasonProtocol)
	default:
		// unknown or server-only kinds are ignored for forward compatibility
		metrics.EnvelopesProcessed.WithLabelValues(kind, "ignored").Inc()
	}
}

func (s *Session) resolvePending(resp *wire.CommandResponse) {
	s.mu.Lock()
	ch, ok := s.pending[resp.CommandID]
	s.mu.Unlock()
	if !ok {
		s.logger.WarnContext(context.Background(), "Dropping uncorrelated command response",
			"instance_id", s.instanceID, "command_id", resp.CommandID)
		return
	}
	select {
	case ch <- resp:
	case <-s.done:
	default:
		// waiter is not keeping up; progress updates are droppable
		if resp.Status != wire.CommandProgress {
			go func() {
				select {
				case ch <- resp:
				case <-s.done:
				}
			}()
		}
	}
}

func (s *Session) monitorHeartbeats() {
	// Poll at a fraction of the heartbeat interval so a miss is detected
	// soon after the grace window elapses, not one full interval later.
	ticker := s.clock.NewTicker(s.heartbeatInterval / 3)
	defer ticker.Stop()
	grace := s.heartbeatInterval * time.Duration(s.graceFactor)
	for {
		select {
		case <-ticker.Chan():
			s.mu.Lock()
			last := s.lastHeartbeat
			s.mu.Unlock()
			if s.clock.Now().Sub(last) > grace {
				metrics.HeartbeatMisses.Inc()
				s.logger.WarnContext(context.Background(), "Heartbeat grace window exceeded",
					"instance_id", s.instanceID, "bot_id", s.botID, "last_heartbeat", last)
				s.Close(types.CloseReasonHeartbeatMiss)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) markSeen(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.add(messageID)
}

// recentIDs is a fixed-size window of message ids used to drop duplicate
// deliveries after agent-side retries.
type recentIDs struct {
	set   map[string]struct{}
	order []string
	next  int
}

func newRecentIDs(size int) *recentIDs {
	if size <= 0 {
		size = defaults.RecentMessageIDs
	}
	return &recentIDs{
		set:   make(map[string]struct{}, size),
		order: make([]string, size),
	}
}

// add records the id and reports true if it was not already in the window.
func (r *recentIDs) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	if evicted := r.order[r.next]; evicted != "" {
		delete(r.set, evicted)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.set[id] = struct{}{}
	return true
}
